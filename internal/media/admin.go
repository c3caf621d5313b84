package media

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arung-agamani/reversecache/internal/adminauth"
	"github.com/arung-agamani/reversecache/internal/cachedb"
	"github.com/arung-agamani/reversecache/internal/reverse"
)

// AdminHandlers wraps the operator-facing plane: a login endpoint and a
// small set of read-only status routes guarded by AdminRequired.
type AdminHandlers struct {
	auth   *adminauth.Auth
	engine *reverse.Engine
	db     *cachedb.Store
}

// NewAdminHandlers constructs AdminHandlers. db may be nil if no cache
// database is configured.
func NewAdminHandlers(a *adminauth.Auth, engine *reverse.Engine, db *cachedb.Store) *AdminHandlers {
	return &AdminHandlers{auth: a, engine: engine, db: db}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login handles POST /admin/login.
func (h *AdminHandlers) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	token, err := h.auth.Authenticate(req.Username, req.Password, c.ClientIP())
	if err != nil {
		switch err {
		case adminauth.ErrRateLimited:
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
		default:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token})
}

// Stats handles GET /admin/stats: a snapshot of the engine's internal
// queues and tables, useful for dashboards and capacity alarms.
func (h *AdminHandlers) Stats(c *gin.Context) {
	stats := h.engine.Stats()
	body := gin.H{
		"writers":          stats.Writers,
		"readers":          stats.Readers,
		"waiters":          stats.Waiters,
		"activeFetchTasks": stats.ActiveFetchTasks,
		"connections":      stats.Connections,
	}
	if h.db != nil {
		if n, err := h.db.Count(c.Request.Context()); err == nil {
			body["cachedEntries"] = n
		}
	}
	c.JSON(http.StatusOK, body)
}

// Health handles GET /admin/health: a trivial liveness probe, unauthenticated
// on purpose so load balancers can poll it without credentials. It is
// registered outside the AdminRequired group.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
