package service

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aquaguardian/config"
	"aquaguardian/handlers"
	"aquaguardian/notifier"
)

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("DB_BACKEND", "memory")
	t.Setenv("LEDGER_BACKEND", "memory")
	t.Setenv("EVIDENCE_BACKEND", "memory")
	t.Setenv("CLASSIFIER_BACKEND", "stub")
	t.Setenv("NOTIFIER_BACKENDS", "log")
	cfg := config.Load()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestServiceLifecycleInMemory(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, err := NewService(memoryConfig(t))
	require.NoError(t, err)
	require.NoError(t, svc.Start())

	router := gin.New()
	handlers.RegisterRoutes(router, svc.GetHandlers(), handlers.RouteOptions{SubmitRateLimit: 10, MaxImageBytes: 1 << 20})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	assert.NoError(t, svc.Stop())
}

func TestNewNotifier(t *testing.T) {
	cfg := memoryConfig(t)

	cfg.NotifierBackends = []string{"log"}
	s := &Service{config: cfg}
	n, err := s.newNotifier()
	require.NoError(t, err)
	assert.IsType(t, &notifier.LogNotifier{}, n)

	cfg.NotifierBackends = []string{"log", "email"}
	cfg.SendGridAPIKey = "SG.test"
	cfg.AuthorityEmails = []string{"pcb@example.org"}
	n, err = s.newNotifier()
	require.NoError(t, err)
	assert.Len(t, n, 2)

	cfg.NotifierBackends = []string{"pager"}
	_, err = s.newNotifier()
	assert.Error(t, err)
}

func TestSchedulerOptionsAndLimits(t *testing.T) {
	cfg := memoryConfig(t)

	opts := SchedulerOptions(cfg)
	assert.Equal(t, cfg.AnchorWorkers, opts.Workers)
	assert.Equal(t, cfg.AnchorMaxAttempts, opts.MaxAttempts)
	assert.Equal(t, cfg.AnchorLease, opts.Lease)
	assert.Equal(t, cfg.AnchorBookkeepingTimeout, opts.BookkeepingTimeout)

	limits := Limits(cfg)
	assert.Equal(t, 1, limits.SeverityMin)
	assert.Equal(t, 10, limits.SeverityMax)
}
