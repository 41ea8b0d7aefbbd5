// Package service wires the role consistency core behind an HTTP surface:
// role reads through the fallback chain, role writes through the dual-write
// orchestrator, plus operational endpoints for breakers, audit and metrics.
package service

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/code-craka/upi-payment-app-sub000/auth"
	"github.com/code-craka/upi-payment-app-sub000/breaker"
	"github.com/code-craka/upi-payment-app-sub000/common/errorutil"
	"github.com/code-craka/upi-payment-app-sub000/common/idgenerator"
	logutil "github.com/code-craka/upi-payment-app-sub000/common/log"
	"github.com/code-craka/upi-payment-app-sub000/common/metrics"
	"github.com/code-craka/upi-payment-app-sub000/conflict"
	"github.com/code-craka/upi-payment-app-sub000/define"
	"github.com/code-craka/upi-payment-app-sub000/degrade"
	"github.com/code-craka/upi-payment-app-sub000/dualwrite"
	"github.com/code-craka/upi-payment-app-sub000/rc/config"
	"github.com/code-craka/upi-payment-app-sub000/store/cache"
	"github.com/code-craka/upi-payment-app-sub000/store/identity"
	"github.com/code-craka/upi-payment-app-sub000/store/secondary"
	"github.com/code-craka/upi-payment-app-sub000/timeout"
)

var (
	httpHandleTimer = metrics.NewTimer("role", "http_server", "handle", "http handler metrics", []string{"path", "method", "code"})
)

type RcService struct {
	httpServer *http.Server
	cacheStore *cache.Store
	breakers   *breaker.Registry
	chain      *auth.Chain
	engine     *degrade.Engine
	writer     *dualwrite.Service
	isClose    int32
}

func equalPanic(e bool, msg string) {
	if e {
		logutil.Logger(context.Background()).Fatal(msg)
	}
}

func NewRc() *RcService {
	rc := &RcService{}
	cfg := config.Get()

	idGen, err := idgenerator.NewSnowflake(int64(cfg.Node.NodeId), int64(cfg.Node.DataCenterId))
	errorutil.PanicIfError(err)

	rc.cacheStore, err = cache.NewStore(cfg.Cache)
	errorutil.PanicIfError(err)

	idStore, err := identity.NewHttpStore(cfg.Identity)
	errorutil.PanicIfError(err)

	var db secondary.Store
	if cfg.Secondary.Dsn != "" {
		db, err = secondary.NewStore(cfg.Secondary)
		errorutil.PanicIfError(err)
	}

	rc.breakers = breaker.NewRegistry(rc.cacheStore, cfg.Breaker)
	policy := timeout.NewPolicy(cfg.Timeouts)

	owner := "rc_" + strconv.Itoa(cfg.Node.DataCenterId) + "_" + strconv.Itoa(cfg.Node.NodeId)
	conflicts := conflict.NewService(rc.cacheStore, rc.cacheStore, owner, cfg.Conflict)

	rc.chain = auth.NewChain(cfg.Auth, rc.cacheStore, idStore, db, rc.breakers, policy)

	rc.engine, err = degrade.NewEngine(policy, rc.breakers, rc.cacheStore, 1024)
	errorutil.PanicIfError(err)

	rc.writer, err = dualwrite.NewService(cfg.DualWrite, dualwrite.Deps{
		Identity:  idStore,
		Roles:     rc.cacheStore,
		Snapshots: rc.cacheStore,
		Audits:    rc.cacheStore,
		Txns:      rc.cacheStore,
		Trend:     rc.cacheStore,
		Archive:   db,
		Breakers:  rc.breakers,
		Conflicts: conflicts,
		Policy:    policy,
		IdGen:     idGen,
	})
	errorutil.PanicIfError(err)

	return rc
}

func (rc *RcService) Start() error {
	logutil.Logger(context.Background()).Info("start service...")
	cfg := config.Get()
	equalPanic(len(cfg.HttpListen) == 0, "http listen address is empty")
	return rc.startHttpServer(cfg.HttpListen)
}

func (rc *RcService) Stop() error {
	if atomic.CompareAndSwapInt32(&rc.isClose, 0, 1) {
		rc.stop()
	}
	return nil
}

func (rc *RcService) startHttpServer(listen string) error {
	logutil.Logger(context.Background()).Sugar().Infof("start http server : listen(%v)", listen)

	gin.SetMode(gin.ReleaseMode)
	app := gin.New()
	app.NoRoute(func(c *gin.Context) {
		c.JSON(404, gin.H{"code": "NOT_FOUND", "message": "not found"})
	})

	app.Use(func(c *gin.Context) {
		timer := httpHandleTimer.Timer()
		c.Next()
		timer(c.FullPath(), c.Request.Method, strconv.Itoa(c.Writer.Status()))
	})

	app.Any("/debug/healthcheck", rc.HealthCheck)
	app.GET("/debug/metrics", gin.WrapH(promhttp.Handler()))
	app.GET("/debug/breakers", rc.BreakerList)
	app.POST("/debug/breakers/:service/reset", rc.BreakerOp)
	app.POST("/debug/breakers/:service/open", rc.BreakerOp)
	app.POST("/debug/breakers/:service/close", rc.BreakerOp)

	pprof.Register(app, "debug/pprof")

	roles := app.Group("/roles")
	roles.GET("/:userId", rc.GetRole)
	roles.PUT("/:userId", rc.UpdateRole)
	roles.GET("/:userId/audit", rc.UserAudit)
	roles.POST("/batch", rc.BatchUpdate)

	app.GET("/audit", rc.Audit)
	app.GET("/operations/:operationId", rc.OperationStatus)
	app.GET("/metrics/roles", rc.RoleMetrics)

	rc.httpServer = &http.Server{
		Addr:    listen,
		Handler: app,
	}
	err := rc.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (rc *RcService) stopHttpServer() error {
	if rc.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()
		return rc.httpServer.Shutdown(ctx)
	}
	return nil
}

func (rc *RcService) stop() {
	log := func(msg string, err error) {
		if err != nil {
			logutil.Logger(context.Background()).Sugar().Errorf(msg+", error(%v)", err)
		} else {
			logutil.Logger(context.Background()).Sugar().Info(msg)
		}
	}

	log("stop http server", rc.stopHttpServer())
	log("close cache", rc.cacheStore.Close())
	_ = logutil.Sync()
}

// HealthCheck aggregates breaker health: any open circuit degrades the
// report, but the process stays up; DELETE stops the service.
func (rc *RcService) HealthCheck(c *gin.Context) {
	if c.Request.Method == http.MethodDelete {
		_ = rc.Stop()
		return
	}
	if c.Request.Method != http.MethodGet {
		c.Status(http.StatusMethodNotAllowed)
		return
	}

	health := rc.breakers.Health(c.Request.Context())
	status := define.HealthHealthy
	for _, h := range health {
		if h.Status == define.HealthUnhealthy {
			status = define.HealthDegraded
		}
		if h.Status == define.HealthDegraded && status == define.HealthHealthy {
			status = define.HealthDegraded
		}
	}
	code := http.StatusOK
	if status != define.HealthHealthy {
		code = http.StatusMultiStatus
	}
	c.JSON(code, gin.H{"status": status, "breakers": health})
}
