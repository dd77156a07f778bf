package dashboard

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/compintel/profilesync/internal/cache"
	"github.com/compintel/profilesync/internal/identity"
	"github.com/compintel/profilesync/internal/profile"
)

const (
	ctxKeyCache    = "intel.cache"
	ctxKeyIdentity = "intel.identity"
)

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.LoggerWithWriter(s.logger.Writer()), gin.Recovery())
	r.Use(s.extra...)

	r.GET("/", s.handleRoot)
	r.GET("/health", s.handleHealth)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	authed := r.Group("/", s.authenticate)
	authed.GET("/ws", s.handleWebSocket)

	api := authed.Group("/api")
	api.GET("/companies", s.handleListCompanies)
	api.GET("/companies/:id", s.handleGetCompany)
	api.POST("/refresh", s.handleRefresh)

	return r
}

// authenticate turns the bearer token into a Transition and holds the
// identity's cache for the rest of the request. Browsers cannot set headers
// on WebSocket upgrades, so the token may also arrive as access_token.
func (s *Server) authenticate(c *gin.Context) {
	token, err := identity.BearerToken(c.GetHeader("Authorization"))
	if err != nil {
		if q := c.Query("access_token"); q != "" {
			token = q
		}
	}

	t, err := s.verifier.Verify(c.Request.Context(), token)
	switch {
	case t.IsAbsent():
		if err == nil {
			err = identity.ErrNoToken
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	case !t.Verified:
		if err == nil {
			err = identity.ErrEmailNotVerified
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return
	}

	sc, release, err := s.registry.Acquire(t)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	defer release()

	c.Set(ctxKeyCache, sc)
	c.Set(ctxKeyIdentity, t)
	c.Next()
}

func cacheFrom(c *gin.Context) *cache.SyncCache {
	return c.MustGet(ctxKeyCache).(*cache.SyncCache)
}

func identityFrom(c *gin.Context) identity.Transition {
	return c.MustGet(ctxKeyIdentity).(identity.Transition)
}

type listQuery struct {
	Q       string `form:"q"`
	Limit   int    `form:"limit" binding:"omitempty,min=1,max=50"`
	Page    int    `form:"page" binding:"omitempty,min=1"`
	PerPage int    `form:"per_page" binding:"omitempty,min=1,max=100"`
	Since   string `form:"since"`
}

type listResponse struct {
	SnapshotData
	Page       int   `json:"page,omitempty"`
	TotalPages int   `json:"total_pages,omitempty"`
	Total      int   `json:"total"`
	Pages      []int `json:"pages,omitempty"`
}

// handleListCompanies serves the card grid. With q it returns search
// suggestions instead of a page.
func (s *Server) handleListCompanies(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snap := cacheFrom(c).Snapshot()
	resp := listResponse{SnapshotData: NewSnapshotData(snap)}
	resp.Loading = pending(snap)
	records := resp.Records

	if q.Since != "" {
		t, err := profile.ParseSince(q.Since, snap.PublishedAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		records = profile.UpdatedSince(records, t)
	}

	if q.Q != "" {
		resp.Records = profile.Search(records, q.Q, q.Limit)
		resp.Total = len(resp.Records)
		c.JSON(http.StatusOK, resp)
		return
	}

	page := profile.Paginate(records, q.Page, q.PerPage)
	resp.Records = page.Items
	resp.Page = page.Number
	resp.TotalPages = page.TotalPages
	resp.Total = page.Total
	resp.Pages = page.Numbers
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetCompany(c *gin.Context) {
	snap := cacheFrom(c).Snapshot()

	r, ok := profile.Find(snap.Records, c.Param("id"))
	if !ok {
		status := http.StatusNotFound
		msg := fmt.Sprintf("company %q not found", c.Param("id"))
		switch {
		case snap.Error == cache.DeniedMessage:
			status, msg = http.StatusForbidden, snap.Error
		case pending(snap):
			status, msg = http.StatusServiceUnavailable, "profiles are still loading"
		}
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(http.StatusOK, r)
}

// pending reports whether the caller's profiles are not there yet. Every
// request carries a verified identity, so a cache that has not left its
// initial state is about to subscribe.
func pending(snap *cache.Snapshot) bool {
	return snap.Loading || (snap.State == cache.StateUninitialized && snap.Error == "")
}

var errRefreshThrottled = errors.New("refresh requested too often, try again shortly")

func (s *Server) handleRefresh(c *gin.Context) {
	who := identityFrom(c)
	if !s.allowRefresh(who.Identity) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": errRefreshThrottled.Error()})
		return
	}

	sc := cacheFrom(c)
	sc.Refresh()
	s.logger.Printf("Refresh requested by %s", who.Identity)
	c.JSON(http.StatusAccepted, gin.H{"state": sc.State()})
}

// handleHealth returns server health status
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"clients": s.ClientCount(),
		"caches":  s.registry.Len(),
	})
}

// handleRoot returns basic server information
func (s *Server) handleRoot(c *gin.Context) {
	c.Header("Content-Type", "text/html")
	c.String(http.StatusOK, `<!DOCTYPE html>
<html>
<head>
    <title>Company Profiles</title>
</head>
<body>
    <h1>Company Profiles</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Companies: <a href="/api/companies">/api/companies</a></p>
    <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, c.Request.Host)
}
