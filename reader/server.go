package main

import (
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"wuyrush.io/snap/common/logging"
	mw "wuyrush.io/snap/common/middleware"
	se "wuyrush.io/snap/errors"
	"wuyrush.io/snap/notify"
	"wuyrush.io/snap/snaps"
	st "wuyrush.io/snap/stores"
)

// reader handles read traffic of snap service: inbox listing, snap views, media bytes, push connections,
// friend lists, user search and chat history. Multiple readers form the service component to handle the
// service's read operations
type reader struct {
	Router *gin.Engine
	Snaps  *snaps.Controller
	Users  st.UserStore
	Chat   st.ChatStore
	Blobs  st.BlobStore
	Hub    *notify.Hub

	SearchMaxHits int
}

func (r *reader) SetupRoutes() {
	rt := gin.New()
	rt.Use(gin.Recovery(), mw.GinInstrumenter())

	rt.GET("/media/*ref", r.HandleMediaGet)
	rt.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := rt.Group("/", mw.GinBearerAuth(r.Users))
	authed.GET("/snaps/inbox", r.HandleTaskListInbox)
	authed.POST("/snaps/:id/view", r.HandleTaskViewSnap)
	authed.GET("/ws", r.HandlePushConnect)
	authed.GET("/friends", r.HandleFriendsGet)
	authed.GET("/users/search", r.HandleUsersSearch)
	authed.GET("/chat/:friendId", r.HandleChatHistory)
	r.Router = rt
}

func (r *reader) HandleTaskListInbox(c *gin.Context) {
	uid := mw.GinUserID(c)
	pending, err := r.Snaps.ListPending(c.Request.Context(), uid)
	if err != nil {
		logging.WithFuncName().WithError(err).WithField("userID", uid).Error("error listing pending snaps")
		mw.GinFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  mw.StatusSuccess,
		"results": len(pending),
		"data":    gin.H{"snaps": pending},
	})
}

// HandleTaskViewSnap consumes the caller's single view of a snap. The media deletion is scheduled only after
// the view result is written, and it happens even if the viewer never fetches the media
func (r *reader) HandleTaskViewSnap(c *gin.Context) {
	uid, snapID := mw.GinUserID(c), c.Param("id")
	v, err := r.Snaps.View(c.Request.Context(), snapID, uid)
	if err != nil {
		if err.Code != se.ErrCodeNotFound {
			logging.WithFuncName().WithError(err).WithFields(log.Fields{"userID": uid, "snapID": snapID}).
				Error("error viewing snap")
		}
		mw.GinFail(c, err)
		return
	}
	defer r.Snaps.Destroy(v)
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, gin.H{"status": mw.StatusSuccess, "data": v.Result})
}

// HandleMediaGet serves media bytes of the local blob store. Refs are unguessable ksuids, which is what
// view results hand out
func (r *reader) HandleMediaGet(c *gin.Context) {
	ref := strings.TrimPrefix(c.Param("ref"), "/")
	f, err := r.Blobs.Open(ref)
	if err != nil {
		if err.Code != se.ErrCodeNotFound && err.Code != se.ErrCodeAPIBadRequest {
			logging.WithFuncName().WithError(err).WithField("mediaRef", ref).Error("error opening media")
		}
		mw.GinFail(c, err)
		return
	}
	defer f.Close()
	c.Header("Cache-Control", "no-store")
	http.ServeContent(c.Writer, c.Request, path.Base(ref), time.Time{}, f)
}

func (r *reader) HandlePushConnect(c *gin.Context) {
	r.Hub.ServeWS(c.Writer, c.Request, mw.GinUserID(c))
}

func (r *reader) HandleFriendsGet(c *gin.Context) {
	uid := mw.GinUserID(c)
	fd, err := r.Users.FriendsData(c.Request.Context(), uid)
	if err != nil {
		logging.WithFuncName().WithError(err).WithField("userID", uid).Error("error getting friends data")
		mw.GinFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": mw.StatusSuccess, "data": fd})
}

func (r *reader) HandleUsersSearch(c *gin.Context) {
	uid := mw.GinUserID(c)
	users, err := r.Users.Search(c.Request.Context(), c.Query("query"), uid, r.SearchMaxHits)
	if err != nil {
		mw.GinFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  mw.StatusSuccess,
		"results": len(users),
		"data":    gin.H{"users": users},
	})
}

func (r *reader) HandleChatHistory(c *gin.Context) {
	uid, friendID := mw.GinUserID(c), c.Param("friendId")
	msgs, err := r.Chat.History(c.Request.Context(), uid, friendID)
	if err != nil {
		logging.WithFuncName().WithError(err).WithFields(log.Fields{"userID": uid, "friendID": friendID}).
			Error("error loading chat history")
		mw.GinFail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  mw.StatusSuccess,
		"results": len(msgs),
		"data":    gin.H{"messages": msgs},
	})
}
