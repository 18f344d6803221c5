package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/mail"
	"strings"
	"unicode/utf8"

	hr "github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/ksuid"
	log "github.com/sirupsen/logrus"
	"wuyrush.io/snap/common/logging"
	mw "wuyrush.io/snap/common/middleware"
	se "wuyrush.io/snap/errors"
	md "wuyrush.io/snap/models"
	st "wuyrush.io/snap/stores"
	"wuyrush.io/snap/upload"
)

const (
	passwdLenMin      = 6
	usernameLenMax    = 30
	jsonBodySizeMax   = 1 << 14
	formFieldSizeMax  = 1 << 7
	formNameRecipient = "recipientId"
	formNameTimer     = "timer"
	formNameMedia     = "snap"
)

// Submitter accepts staged snaps for background delivery
type Submitter interface {
	Submit(s *upload.Submission) *se.Err
}

// writer handles write traffic of snap service: accounts, friend requests, chat messages and snap uploads.
// Multiple writers form the service component to handle the service's write operations
type writer struct {
	R       *hr.Router
	Users   st.UserStore
	Chat    st.ChatStore
	Uploads Submitter
	Stager  *upload.Stager
	Clock   md.Clock

	MaxReqBodySize int64
	ShortSecs      int
	DefaultSecs    int
	ChatTextMax    int
}

func (wrt *writer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wrt.R.ServeHTTP(w, r)
}

func (wrt *writer) SetupRoutes() {
	r := hr.New()
	open := func(route string, h hr.Handle) hr.Handle {
		return mw.Chain(h, mw.PanicRecoverer(), mw.Instrumenter(route))
	}
	authed := func(route string, h hr.Handle) hr.Handle {
		return mw.Chain(h, mw.BearerAuth(wrt.Users), mw.PanicRecoverer(), mw.Instrumenter(route))
	}
	r.POST("/register", open("register", wrt.HandleAuthRegister))
	r.POST("/login", open("login", wrt.HandleAuthLogin))
	r.POST("/logout", authed("logout", wrt.HandleAuthLogout))
	r.POST("/snaps", authed("sendSnap", wrt.HandleTaskSendSnap))
	r.POST("/friends/requests", authed("sendFriendRequest", wrt.HandleFriendsSendRequest))
	r.POST("/friends/accept", authed("acceptFriendRequest", wrt.HandleFriendsAcceptRequest))
	r.POST("/chat", authed("sendMessage", wrt.HandleChatSend))
	r.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	wrt.R = r
}

type authResp struct {
	Status string                 `json:"status"`
	Token  string                 `json:"token"`
	Data   map[string]interface{} `json:"data"`
}

func (wrt *writer) HandleAuthRegister(w http.ResponseWriter, r *http.Request, _ hr.Params) {
	clog := logging.WithFuncName()
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		mw.Fail(w, err)
		return
	}
	if err := validateSignup(req.Username, req.Email, req.Password); err != nil {
		mw.Fail(w, err)
		return
	}
	u := &md.User{
		ID:           ksuid.New().String(),
		Username:     strings.TrimSpace(req.Username),
		Email:        strings.TrimSpace(req.Email),
		Passwd:       req.Password,
		CreationTime: wrt.Clock.Now(),
	}
	if err := wrt.Users.Register(r.Context(), u); err != nil {
		clog.WithError(err).Warn("error registering user")
		mw.Fail(w, err)
		return
	}
	token, err := wrt.Users.CreateSession(r.Context(), u.ID)
	if err != nil {
		clog.WithError(err).WithField("userID", u.ID).Error("error creating session for new user")
		mw.Fail(w, err)
		return
	}
	clog.WithField("userID", u.ID).Info("user registered")
	mw.JSON(w, http.StatusCreated, &authResp{
		Status: mw.StatusSuccess,
		Token:  token,
		Data: map[string]interface{}{"user": map[string]string{
			"id": u.ID, "username": u.Username, "email": strings.ToLower(u.Email), "avatar": u.Avatar,
		}},
	})
}

func (wrt *writer) HandleAuthLogin(w http.ResponseWriter, r *http.Request, _ hr.Params) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		mw.Fail(w, err)
		return
	}
	if req.Email == "" || req.Password == "" {
		mw.Fail(w, se.NewBadInput("please provide email and password"))
		return
	}
	u, err := wrt.Users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		mw.Fail(w, err)
		return
	}
	token, err := wrt.Users.CreateSession(r.Context(), u.ID)
	if err != nil {
		logging.WithFuncName().WithError(err).WithField("userID", u.ID).Error("error creating session")
		mw.Fail(w, err)
		return
	}
	mw.JSON(w, http.StatusOK, &authResp{
		Status: mw.StatusSuccess,
		Token:  token,
		Data:   map[string]interface{}{"user": u.Summary()},
	})
}

func (wrt *writer) HandleAuthLogout(w http.ResponseWriter, r *http.Request, _ hr.Params) {
	if err := wrt.Users.RevokeSession(r.Context(), mw.Token(r.Context())); err != nil {
		logging.WithFuncName().WithError(err).WithField("userID", mw.UserID(r.Context())).Error("error revoking session")
		mw.Fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

/*
	Snap uploads are acknowledged as soon as the media is staged on local disk. Encoding, saving media to
	blob store, creating the snap record and notifying the recipient all happen in background, so the
	response carries no snap id.
*/
func (wrt *writer) HandleTaskSendSnap(w http.ResponseWriter, r *http.Request, _ hr.Params) {
	uid := mw.UserID(r.Context())
	clog := logging.WithFuncName().WithField("userID", uid)
	r.Body = http.MaxBytesReader(w, r.Body, wrt.MaxReqBodySize)
	mr, err := r.MultipartReader()
	if err != nil {
		clog.WithError(err).Warn("error getting multipart reader")
		mw.Fail(w, se.NewBadInput("error reading form data").WithCause(err))
		return
	}
	sub := &upload.Submission{SenderID: uid}
	timed := false
	perr := processParts(mr, map[string]partProcessor{
		formNameRecipient: formField(formNameRecipient, func(s string) *se.Err { return wrt.parseRecipient(r, sub, s) }),
		formNameTimer: formField(formNameTimer, func(s string) *se.Err {
			sel, err := md.ParseWindowSelector(s)
			if err != nil {
				return se.NewBadInput(err.Error())
			}
			sub.Window, timed = sel.Resolve(wrt.ShortSecs, wrt.DefaultSecs), true
			return nil
		}),
		formNameMedia: wrt.stageMedia(sub),
	})
	if perr == nil {
		switch {
		case sub.StagedPath == "":
			perr = se.NewBadInput("snap media is required")
		case sub.RecipientID == "":
			perr = se.NewBadInput("recipient is required")
		case !timed:
			sub.Window = md.SelectorDefault.Resolve(wrt.ShortSecs, wrt.DefaultSecs)
		}
	}
	if perr != nil {
		if sub.StagedPath != "" {
			wrt.Stager.Release(sub.StagedPath)
		}
		clog.WithError(perr).Warn("rejecting snap upload")
		mw.Fail(w, perr)
		return
	}
	if err := wrt.Uploads.Submit(sub); err != nil {
		clog.WithError(err).Error("error submitting snap upload")
		mw.Fail(w, err)
		return
	}
	clog.WithFields(log.Fields{"recipientID": sub.RecipientID, "mediaKind": sub.Kind}).Info("snap accepted")
	mw.JSON(w, http.StatusAccepted, map[string]string{"status": mw.StatusAccepted, "message": "processing"})
}

func (wrt *writer) parseRecipient(r *http.Request, sub *upload.Submission, id string) *se.Err {
	id = strings.TrimSpace(id)
	if id == "" {
		return se.NewBadInput("recipient is required")
	}
	if id == sub.SenderID {
		return se.NewBadInput("cannot send a snap to yourself")
	}
	if _, err := wrt.Users.Get(r.Context(), id); err != nil {
		if err.Code == se.ErrCodeNotFound {
			return se.NewNotFound("recipient not found")
		}
		return err
	}
	sub.RecipientID = id
	return nil
}

// stageMedia streams the media part to staging area. The staged file is handed to sub right away, so that
// whoever fails later releases it
func (wrt *writer) stageMedia(sub *upload.Submission) partProcessor {
	return func(part *multipart.Part) *se.Err {
		ct := part.Header.Get("Content-Type")
		kind, ok := md.MediaKindFromContentType(ct)
		if !ok {
			return se.NewUnsupported(fmt.Sprintf("unsupported media type %q", ct))
		}
		path, _, serr := wrt.Stager.Stage(part, wrt.MaxReqBodySize)
		if serr != nil {
			var mbe *http.MaxBytesError
			if errors.As(serr, &mbe) {
				return se.NewOversized().WithMsg(fmt.Sprintf("request oversized. Request size must be under %.1f mebibyte",
					float64(wrt.MaxReqBodySize)/(1024.*1024.))).WithCause(serr)
			}
			return serr
		}
		sub.StagedPath, sub.Kind, sub.ContentType = path, kind, ct
		return nil
	}
}

func (wrt *writer) HandleFriendsSendRequest(w http.ResponseWriter, r *http.Request, _ hr.Params) {
	wrt.handleFriendAction(w, r, wrt.Users.SendFriendRequest, "friend request sent")
}

func (wrt *writer) HandleFriendsAcceptRequest(w http.ResponseWriter, r *http.Request, _ hr.Params) {
	wrt.handleFriendAction(w, r, wrt.Users.AcceptFriendRequest, "friend request accepted")
}

func (wrt *writer) handleFriendAction(w http.ResponseWriter, r *http.Request,
	action func(ctx context.Context, userID, friendID string) *se.Err, done string) {
	var req struct {
		FriendID string `json:"friendId"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		mw.Fail(w, err)
		return
	}
	if req.FriendID == "" {
		mw.Fail(w, se.NewBadInput("friendId is required"))
		return
	}
	uid := mw.UserID(r.Context())
	if err := action(r.Context(), uid, req.FriendID); err != nil {
		logging.WithFuncName().WithError(err).WithFields(log.Fields{"userID": uid, "friendID": req.FriendID}).
			Warn("error handling friend request")
		mw.Fail(w, err)
		return
	}
	mw.JSON(w, http.StatusOK, map[string]string{"status": mw.StatusSuccess, "message": done})
}

func (wrt *writer) HandleChatSend(w http.ResponseWriter, r *http.Request, _ hr.Params) {
	var req struct {
		RecipientID string `json:"recipientId"`
		Text        string `json:"text"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		mw.Fail(w, err)
		return
	}
	uid := mw.UserID(r.Context())
	switch {
	case req.RecipientID == "":
		mw.Fail(w, se.NewBadInput("recipientId is required"))
		return
	case strings.TrimSpace(req.Text) == "":
		mw.Fail(w, se.NewBadInput("text cannot be empty"))
		return
	case len(req.Text) > wrt.ChatTextMax:
		mw.Fail(w, se.NewOversized().WithMsg(fmt.Sprintf("text must be under %d bytes", wrt.ChatTextMax)))
		return
	case !utf8.ValidString(req.Text):
		mw.Fail(w, se.NewBadInput("text must be valid UTF-8"))
		return
	}
	if _, err := wrt.Users.Get(r.Context(), req.RecipientID); err != nil {
		if err.Code == se.ErrCodeNotFound {
			err = se.NewNotFound("recipient not found")
		}
		mw.Fail(w, err)
		return
	}
	m := &md.Message{
		ID:        ksuid.New().String(),
		Sender:    uid,
		Recipient: req.RecipientID,
		Text:      req.Text,
		CreatedAt: wrt.Clock.Now().UTC(),
	}
	if err := wrt.Chat.Save(r.Context(), m); err != nil {
		logging.WithFuncName().WithError(err).WithField("userID", uid).Error("error saving chat message")
		mw.Fail(w, err)
		return
	}
	mw.JSON(w, http.StatusCreated, map[string]interface{}{"status": mw.StatusSuccess, "data": m})
}

func validateSignup(username, email, passwd string) *se.Err {
	username = strings.TrimSpace(username)
	switch {
	case username == "":
		return se.NewBadInput("please provide a username")
	case utf8.RuneCountInString(username) > usernameLenMax:
		return se.NewBadInput(fmt.Sprintf("username must be at most %d characters", usernameLenMax))
	case strings.ContainsAny(username, ": \t\n"):
		return se.NewBadInput("username must not contain colons or whitespaces")
	case strings.TrimSpace(email) == "":
		return se.NewBadInput("please provide an email")
	case len(passwd) < passwdLenMin:
		return se.NewBadInput(fmt.Sprintf("password must be at least %d characters", passwdLenMin))
	}
	if _, err := mail.ParseAddress(strings.TrimSpace(email)); err != nil {
		return se.NewBadInput("invalid email address").WithCause(err)
	}
	return nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) *se.Err {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, jsonBodySizeMax))
	if err := dec.Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return se.NewOversized().WithCause(err)
		}
		return se.NewBadInput("error decoding request body").WithCause(err)
	}
	return nil
}

/*
	Utilities to stream-process http multipart form data.

	Parts are processed one at a time in whatever order the client placed them in the form, each by the
	processor keyed by its form name. The media part streams straight to staging area without buffering the
	whole request as http.ParseMultipartForm does. Parts nobody processes are skipped.
*/
func processParts(r *multipart.Reader, ps map[string]partProcessor) *se.Err {
	seen := map[string]bool{}
	for {
		part, err := r.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return se.NewBadInput("error reading form part").WithCause(err)
		}
		name := part.FormName()
		p, ok := ps[name]
		if !ok {
			part.Close()
			continue
		}
		if seen[name] {
			part.Close()
			return se.NewBadInput(fmt.Sprintf("got duplicate form field %s", name))
		}
		seen[name] = true
		perr := p(part)
		part.Close()
		if perr != nil {
			return perr
		}
	}
}

type partProcessor func(*multipart.Part) *se.Err

// formField generates logic to process an individual non-file form field
func formField(name string, process func(string) *se.Err) partProcessor {
	return func(part *multipart.Part) *se.Err {
		b, err := io.ReadAll(upload.NewLimitReader(part, formFieldSizeMax))
		if err != nil {
			if v, ok := err.(*se.Err); ok && v.Code == se.ErrCodeOversized {
				return v.WithMsg(fmt.Sprintf("got oversized data for form field %s", name))
			}
			return se.NewBadInput(fmt.Sprintf("failed to read value of form field %s", name)).WithCause(err)
		}
		return process(string(b))
	}
}
