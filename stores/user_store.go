package stores

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis"
	"github.com/segmentio/ksuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"wuyrush.io/snap/common/logging"
	se "wuyrush.io/snap/errors"
	md "wuyrush.io/snap/models"
)

const (
	bcryptCost                int = 8
	fieldNameUserUsername         = "username"
	fieldNameUserEmail            = "email"
	fieldNameUserPasswdHash       = "hash"
	fieldNameUserAvatar           = "avatar"
	fieldNameUserCreationTime     = "creationTime"
	// sorted set of "<lowercase username>:<user id>" members with equal score, for prefix search
	keyUsernameIndex = "usernames"

	keyTmplUser           = `user.%s`
	keyTmplUsername       = `username.%s`
	keyTmplEmail          = `email.%s`
	keyTmplSession        = `session.%s`
	keyTmplFriends        = `friends.%s`
	keyTmplFriendRequests = `friendRequests.%s`
	keyTmplSentRequests   = `sentRequests.%s`
)

// UserStore vends operation to manage users, their sessions and the friend graph
type UserStore interface {
	// Register registers the user. Username and email are unique case-insensitively
	Register(ctx context.Context, u *md.User) *se.Err
	// Login verifies the credential and returns the user it belongs to
	Login(ctx context.Context, email, passwd string) (*md.User, *se.Err)
	Get(ctx context.Context, userID string) (*md.User, *se.Err)
	// Summaries returns summaries of the given users; users no longer existing are left out
	Summaries(ctx context.Context, userIDs []string) ([]md.UserSummary, *se.Err)
	Search(ctx context.Context, query, callerID string, max int) ([]md.UserSummary, *se.Err)

	CreateSession(ctx context.Context, userID string) (string, *se.Err)
	Authenticate(ctx context.Context, token string) (string, *se.Err)
	RevokeSession(ctx context.Context, token string) *se.Err

	SendFriendRequest(ctx context.Context, userID, targetID string) *se.Err
	AcceptFriendRequest(ctx context.Context, userID, requesterID string) *se.Err
	FriendsData(ctx context.Context, userID string) (*md.FriendsData, *se.Err)
	Close() *se.Err
}

type RedisUserStore struct {
	DB            *redis.Client
	SessionTTL    time.Duration
	DefaultAvatar string
}

func (r *RedisUserStore) Register(ctx context.Context, u *md.User) *se.Err {
	clog := logging.WithFuncName().WithField("userID", u.ID)
	db := r.DB.WithContext(ctx)
	hash, err := bcrypt.GenerateFromPassword([]byte(u.Passwd), bcryptCost)
	if err != nil {
		clog.WithError(err).Error("error creating user password hash")
		return se.NewServiceFailure("error processing user password").WithCause(err)
	}
	uname, email := normalize(u.Username), normalize(u.Email)
	// claim username and email first; SETNX makes concurrent registrations of the same name race fairly
	unameKey, emailKey := fmt.Sprintf(keyTmplUsername, uname), fmt.Sprintf(keyTmplEmail, email)
	if ok, err := db.SetNX(unameKey, u.ID, 0).Result(); err != nil {
		clog.WithError(err).Error("error claiming username")
		return se.NewServiceFailure("error registering user").WithCause(err)
	} else if !ok {
		return se.NewExisted("username is already taken")
	}
	if ok, err := db.SetNX(emailKey, u.ID, 0).Result(); err != nil || !ok {
		db.Del(unameKey)
		if err != nil {
			clog.WithError(err).Error("error claiming email")
			return se.NewServiceFailure("error registering user").WithCause(err)
		}
		return se.NewExisted("email is already registered")
	}
	if u.Avatar == "" {
		u.Avatar = r.DefaultAvatar
	}
	u.Hash = string(hash)
	if _, err := db.TxPipelined(func(p redis.Pipeliner) error {
		p.HMSet(fmt.Sprintf(keyTmplUser, u.ID), map[string]interface{}{
			fieldNameUserUsername:     strings.TrimSpace(u.Username),
			fieldNameUserEmail:        email,
			fieldNameUserPasswdHash:   u.Hash,
			fieldNameUserAvatar:       u.Avatar,
			fieldNameUserCreationTime: u.CreationTime.Unix(),
		})
		p.ZAdd(keyUsernameIndex, redis.Z{Score: 0, Member: uname + ":" + u.ID})
		return nil
	}); err != nil {
		db.Del(unameKey, emailKey)
		clog.WithError(err).Error("error saving user details to redis")
		return se.NewServiceFailure("error registering user").WithCause(err)
	}
	return nil
}

func (r *RedisUserStore) Login(ctx context.Context, email, passwd string) (*md.User, *se.Err) {
	bad := se.NewUnauthenticated("incorrect email or password")
	id, err := r.DB.WithContext(ctx).Get(fmt.Sprintf(keyTmplEmail, normalize(email))).Result()
	if err == redis.Nil {
		return nil, bad
	} else if err != nil {
		logging.WithFuncName().WithError(err).Error("error looking up user by email")
		return nil, se.NewServiceFailure("error logging in").WithCause(err)
	}
	u, perr := r.Get(ctx, id)
	if perr != nil {
		if perr.Code == se.ErrCodeNotFound {
			return nil, bad
		}
		return nil, perr
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.Hash), []byte(passwd)); err != nil {
		return nil, bad
	}
	return u, nil
}

func (r *RedisUserStore) Get(ctx context.Context, userID string) (*md.User, *se.Err) {
	m, err := r.DB.WithContext(ctx).HGetAll(fmt.Sprintf(keyTmplUser, userID)).Result()
	if err != nil {
		msg := "error getting user data"
		logging.WithFuncName().WithField("userID", userID).WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	if len(m) == 0 {
		return nil, se.NewNotFound(fmt.Sprintf("user %s not found", userID))
	}
	u := &md.User{
		ID:       userID,
		Username: m[fieldNameUserUsername],
		Email:    m[fieldNameUserEmail],
		Hash:     m[fieldNameUserPasswdHash],
		Avatar:   m[fieldNameUserAvatar],
	}
	var sec int64
	fmt.Sscan(m[fieldNameUserCreationTime], &sec)
	u.CreationTime = time.Unix(sec, 0).UTC()
	return u, nil
}

func (r *RedisUserStore) Summaries(ctx context.Context, userIDs []string) ([]md.UserSummary, *se.Err) {
	if len(userIDs) == 0 {
		return []md.UserSummary{}, nil
	}
	cmds := make([]*redis.SliceCmd, len(userIDs))
	if _, err := r.DB.WithContext(ctx).Pipelined(func(p redis.Pipeliner) error {
		for i, id := range userIDs {
			cmds[i] = p.HMGet(fmt.Sprintf(keyTmplUser, id), fieldNameUserUsername, fieldNameUserAvatar)
		}
		return nil
	}); err != nil {
		msg := "error getting user summaries"
		logging.WithFuncName().WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	sums := make([]md.UserSummary, 0, len(userIDs))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) != 2 || vals[0] == nil {
			continue
		}
		uname, _ := vals[0].(string)
		avatar, _ := vals[1].(string)
		sums = append(sums, md.UserSummary{ID: userIDs[i], Username: uname, Avatar: avatar})
	}
	return sums, nil
}

func (r *RedisUserStore) Search(ctx context.Context, query, callerID string, max int) ([]md.UserSummary, *se.Err) {
	q := normalize(query)
	if q == "" {
		return []md.UserSummary{}, nil
	}
	// fetch one extra hit in case caller is among the hits
	members, err := r.DB.WithContext(ctx).ZRangeByLex(keyUsernameIndex, redis.ZRangeBy{
		Min:   "[" + q,
		Max:   "[" + q + "\xff",
		Count: int64(max + 1),
	}).Result()
	if err != nil {
		msg := "error searching users"
		logging.WithFuncName().WithField("query", q).WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		i := strings.LastIndex(m, ":")
		if i < 0 || m[i+1:] == callerID {
			continue
		}
		ids = append(ids, m[i+1:])
		if len(ids) == max {
			break
		}
	}
	return r.Summaries(ctx, ids)
}

func (r *RedisUserStore) CreateSession(ctx context.Context, userID string) (string, *se.Err) {
	kid, err := ksuid.NewRandom()
	if err != nil {
		return "", se.NewServiceFailure("error generating session token").WithCause(err)
	}
	token := kid.String()
	if err := r.DB.WithContext(ctx).Set(fmt.Sprintf(keyTmplSession, token), userID, r.SessionTTL).Err(); err != nil {
		msg := "error saving session"
		logging.WithFuncName().WithField("userID", userID).WithError(err).Error(msg)
		return "", se.NewServiceFailure(msg).WithCause(err)
	}
	return token, nil
}

func (r *RedisUserStore) Authenticate(ctx context.Context, token string) (string, *se.Err) {
	uid, err := r.DB.WithContext(ctx).Get(fmt.Sprintf(keyTmplSession, token)).Result()
	if err == redis.Nil {
		return "", se.NewUnauthenticated("session expired, please log in again")
	} else if err != nil {
		msg := "error verifying session"
		logging.WithFuncName().WithError(err).Error(msg)
		return "", se.NewServiceFailure(msg).WithCause(err)
	}
	return uid, nil
}

func (r *RedisUserStore) RevokeSession(ctx context.Context, token string) *se.Err {
	if err := r.DB.WithContext(ctx).Del(fmt.Sprintf(keyTmplSession, token)).Err(); err != nil {
		msg := "error revoking session"
		logging.WithFuncName().WithError(err).Error(msg)
		return se.NewServiceFailure(msg).WithCause(err)
	}
	return nil
}

func (r *RedisUserStore) SendFriendRequest(ctx context.Context, userID, targetID string) *se.Err {
	clog := logging.WithFuncName().WithFields(log.Fields{"userID": userID, "targetID": targetID})
	if userID == targetID {
		return se.NewBadInput("cannot befriend yourself")
	}
	if _, err := r.Get(ctx, targetID); err != nil {
		return err
	}
	db := r.DB.WithContext(ctx)
	var isFriend, requested *redis.BoolCmd
	if _, err := db.Pipelined(func(p redis.Pipeliner) error {
		isFriend = p.SIsMember(fmt.Sprintf(keyTmplFriends, userID), targetID)
		requested = p.SIsMember(fmt.Sprintf(keyTmplSentRequests, userID), targetID)
		return nil
	}); err != nil {
		clog.WithError(err).Error("error checking friend graph")
		return se.NewServiceFailure("error sending friend request").WithCause(err)
	}
	if isFriend.Val() {
		return se.NewExisted("you are already friends")
	}
	if requested.Val() {
		return se.NewExisted("friend request already sent")
	}
	if _, err := db.TxPipelined(func(p redis.Pipeliner) error {
		p.SAdd(fmt.Sprintf(keyTmplFriendRequests, targetID), userID)
		p.SAdd(fmt.Sprintf(keyTmplSentRequests, userID), targetID)
		return nil
	}); err != nil {
		clog.WithError(err).Error("error saving friend request")
		return se.NewServiceFailure("error sending friend request").WithCause(err)
	}
	return nil
}

func (r *RedisUserStore) AcceptFriendRequest(ctx context.Context, userID, requesterID string) *se.Err {
	clog := logging.WithFuncName().WithFields(log.Fields{"userID": userID, "requesterID": requesterID})
	db := r.DB.WithContext(ctx)
	ok, err := db.SIsMember(fmt.Sprintf(keyTmplFriendRequests, userID), requesterID).Result()
	if err != nil {
		clog.WithError(err).Error("error checking friend request")
		return se.NewServiceFailure("error accepting friend request").WithCause(err)
	} else if !ok {
		return se.NewNotFound("friend request not found")
	}
	if _, err := db.TxPipelined(func(p redis.Pipeliner) error {
		p.SAdd(fmt.Sprintf(keyTmplFriends, userID), requesterID)
		p.SAdd(fmt.Sprintf(keyTmplFriends, requesterID), userID)
		// clear pending edges of both directions
		p.SRem(fmt.Sprintf(keyTmplFriendRequests, userID), requesterID)
		p.SRem(fmt.Sprintf(keyTmplSentRequests, requesterID), userID)
		p.SRem(fmt.Sprintf(keyTmplFriendRequests, requesterID), userID)
		p.SRem(fmt.Sprintf(keyTmplSentRequests, userID), requesterID)
		return nil
	}); err != nil {
		clog.WithError(err).Error("error saving friendship")
		return se.NewServiceFailure("error accepting friend request").WithCause(err)
	}
	return nil
}

func (r *RedisUserStore) FriendsData(ctx context.Context, userID string) (*md.FriendsData, *se.Err) {
	var friends, requests *redis.StringSliceCmd
	if _, err := r.DB.WithContext(ctx).Pipelined(func(p redis.Pipeliner) error {
		friends = p.SMembers(fmt.Sprintf(keyTmplFriends, userID))
		requests = p.SMembers(fmt.Sprintf(keyTmplFriendRequests, userID))
		return nil
	}); err != nil {
		msg := "error getting friends data"
		logging.WithFuncName().WithField("userID", userID).WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	fd := &md.FriendsData{}
	var err *se.Err
	if fd.Friends, err = r.Summaries(ctx, friends.Val()); err != nil {
		return nil, err
	}
	if fd.Requests, err = r.Summaries(ctx, requests.Val()); err != nil {
		return nil, err
	}
	return fd, nil
}

func (r *RedisUserStore) Close() *se.Err {
	return nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
