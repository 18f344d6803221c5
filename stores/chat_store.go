package stores

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-kivik/couchdb/v3"
	kivik "github.com/go-kivik/kivik/v3"
	log "github.com/sirupsen/logrus"
	"wuyrush.io/snap/common/logging"
	se "wuyrush.io/snap/errors"
	md "wuyrush.io/snap/models"
)

// ChatStore persists text messages between two users durably
type ChatStore interface {
	Save(ctx context.Context, m *md.Message) *se.Err
	// History returns all messages exchanged between the two users, oldest first
	History(ctx context.Context, userID, friendID string) ([]*md.Message, *se.Err)
	Close() *se.Err
}

// CouchChatStore implements ChatStore with CouchDB
type CouchChatStore struct {
	client *kivik.Client
	db     *kivik.DB
}

type CouchConfig struct {
	DBAddr               string
	ChatDBName           string
	DBUsername, DBPasswd string
}

// chatDoc is the CouchDB document form of a message
type chatDoc struct {
	ID        string    `json:"_id"`
	Rev       string    `json:"_rev,omitempty"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

func NewCouchChatStore(ctx context.Context, cfg *CouchConfig) (*CouchChatStore, *se.Err) {
	client, err := kivik.New("couch", cfg.DBAddr)
	if err != nil {
		return nil, se.NewDependencyFailure("error creating CouchDB client").WithCause(err)
	}
	if cfg.DBUsername != "" {
		if err := client.Authenticate(ctx, couchdb.BasicAuth(cfg.DBUsername, cfg.DBPasswd)); err != nil {
			return nil, se.NewDependencyFailure("error authenticating with CouchDB").WithCause(err)
		}
	}
	db := client.DB(ctx, cfg.ChatDBName)
	if err := db.Err(); err != nil {
		return nil, se.NewDependencyFailure("error opening chat database").WithCause(err)
	}
	return &CouchChatStore{client: client, db: db}, nil
}

func (s *CouchChatStore) Save(ctx context.Context, m *md.Message) *se.Err {
	clog := logging.WithFuncName().WithFields(log.Fields{"messageID": m.ID, "userID": m.Sender})
	doc := &chatDoc{
		ID:        m.ID,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Text:      m.Text,
		CreatedAt: m.CreatedAt.UTC(),
	}
	if _, err := s.db.Put(ctx, m.ID, doc); err != nil {
		clog.WithError(err).WithField("couchStatus", kivik.StatusCode(err)).Error("failed saving message to CouchDB")
		return couchErr("failed to save message", err)
	}
	return nil
}

func (s *CouchChatStore) History(ctx context.Context, userID, friendID string) ([]*md.Message, *se.Err) {
	clog := logging.WithFuncName().WithFields(log.Fields{"userID": userID, "friendID": friendID})
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"$or": []interface{}{
				map[string]interface{}{"sender": userID, "recipient": friendID},
				map[string]interface{}{"sender": friendID, "recipient": userID},
			},
		},
	}
	rows, err := s.db.Find(ctx, query)
	if err != nil {
		clog.WithError(err).Error("failed querying messages from CouchDB")
		return nil, couchErr("failed to load messages", err)
	}
	defer rows.Close()
	msgs := []*md.Message{}
	for rows.Next() {
		var doc chatDoc
		if err := rows.ScanDoc(&doc); err != nil {
			clog.WithError(err).Error("error unmarshalling message")
			return nil, se.NewServiceFailure("failed to load messages").WithCause(err)
		}
		msgs = append(msgs, &md.Message{
			ID:        doc.ID,
			Sender:    doc.Sender,
			Recipient: doc.Recipient,
			Text:      doc.Text,
			CreatedAt: doc.CreatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		clog.WithError(err).Error("error iterating messages")
		return nil, couchErr("failed to load messages", err)
	}
	// mango sort needs an index on createdAt; the history of a pair is small enough to sort here
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	return msgs, nil
}

func (s *CouchChatStore) Close() *se.Err {
	// kivik client holds no resource other than idle http connections
	return nil
}

// couchErr tells client errors from server errors by the status code CouchDB replied with
func couchErr(msg string, err error) *se.Err {
	code := kivik.StatusCode(err)
	switch {
	case code == http.StatusConflict:
		return se.NewExisted(msg).WithCause(err)
	case code >= 400 && code < 500:
		return se.NewBadInput(msg).WithCause(err)
	default:
		return se.NewDependencyFailure(msg).WithCause(err)
	}
}
