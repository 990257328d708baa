package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classtrack/internal/attendance"
	"classtrack/internal/auth"
	"classtrack/internal/classroom"
	"classtrack/internal/config"
	"classtrack/internal/httpmiddleware"
	"classtrack/internal/metrics"
	"classtrack/internal/queue"
	"classtrack/internal/roster"
	"classtrack/internal/scanner"
	"classtrack/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	var (
		rosterStore   attendance.RosterStore
		sessionStore  attendance.SessionStore
		recordStore   attendance.RecordStore
		settingsStore attendance.SettingsStore
		db            *store.DB
	)
	if cfg.StoreBackend == "memory" {
		mem := attendance.NewMemoryStore()
		rosterStore, sessionStore, recordStore, settingsStore = mem, mem, mem, mem
		log.Println("using in-memory store (STORE_BACKEND=memory)")
	} else {
		var err error
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		repo := attendance.NewRepository(db.Client)
		rosterStore, sessionStore, recordStore, settingsStore = repo, repo, repo, repo
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.ScanQueueKey)
	}

	svc := attendance.NewService(rosterStore, sessionStore, recordStore, settingsStore)
	classroomClient := classroom.New(cfg.ClassroomAPIURL, cfg.ClassroomSkip)
	banner := scanner.NewBanner(scanner.DefaultBannerTTL)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "Authorization"},
		MaxAge:          24 * time.Hour,
	}))
	r.Use(httpmiddleware.NewTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db != nil || cfg.StoreBackend == "memory"
		// Classroom reachability is reported but never gates readiness:
		// scanning works without the external API.
		classroomHealthy := classroomClient.Health(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy, "classroom": classroomHealthy})
	})

	// Token issuance. The deployment is single-teacher; registration is
	// the only gate, as with scanner devices.
	r.POST("/v1/teachers/register", func(c *gin.Context) {
		var req struct {
			Name string `json:"name" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		issueTokens(c, cfg, req.Name, auth.RoleTeacher)
	})

	r.POST("/v1/devices/register", func(c *gin.Context) {
		var req struct {
			DeviceID string `json:"device_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		issueTokens(c, cfg, req.DeviceID, auth.RoleDevice)
	})

	teacherGroup := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleTeacher))
	scanGroup := r.Group("/v1", auth.Bearer(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleTeacher, auth.RoleDevice))

	// --- Courses & roster ---

	teacherGroup.POST("/courses", func(c *gin.Context) {
		var course attendance.Course
		if err := c.ShouldBindJSON(&course); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		created, err := svc.CreateCourse(c.Request.Context(), course)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, created)
	})

	teacherGroup.GET("/courses", func(c *gin.Context) {
		courses, err := svc.ListCourses(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"courses": courses})
	})

	teacherGroup.GET("/courses/:id", func(c *gin.Context) {
		course, err := svc.Course(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, course)
	})

	teacherGroup.DELETE("/courses/:id", func(c *gin.Context) {
		if err := svc.DeleteCourse(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	teacherGroup.PUT("/courses/:id/roster", func(c *gin.Context) {
		var course attendance.Course
		if err := c.ShouldBindJSON(&course); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		course.ID = c.Param("id")
		if err := svc.ReplaceRoster(c.Request.Context(), course); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, course)
	})

	teacherGroup.POST("/courses/:id/qrcodes", func(c *gin.Context) {
		ctx := c.Request.Context()
		course, err := svc.Course(ctx, c.Param("id"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		assigned := roster.AssignQRCodes(course)
		if assigned > 0 {
			if err := svc.ReplaceRoster(ctx, *course); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"assigned": assigned, "course": course})
	})

	teacherGroup.GET("/classroom/courses", func(c *gin.Context) {
		courses, err := classroomClient.ListCourses(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"courses": courses})
	})

	teacherGroup.POST("/classroom/import", func(c *gin.Context) {
		var req struct {
			ClassroomID string `json:"classroom_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ctx := c.Request.Context()
		external, err := classroomClient.ListCourses(ctx)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		var found *roster.ExternalCourse
		for i := range external {
			if external[i].ClassroomID == req.ClassroomID {
				found = &external[i]
				break
			}
		}
		if found == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "classroom course not found"})
			return
		}
		students, err := classroomClient.ListStudents(ctx, req.ClassroomID)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		created, err := svc.CreateCourse(ctx, roster.ImportCourse(*found, students))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, created)
	})

	teacherGroup.POST("/courses/:id/sync", func(c *gin.Context) {
		ctx := c.Request.Context()
		course, err := svc.Course(ctx, c.Param("id"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		external, err := classroomClient.ListStudents(ctx, course.ClassroomID)
		if err != nil {
			// Timeout and non-2xx are the same failure class here.
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		plan := roster.PlanMerge(course.Students, external)
		added, updated, unchanged := plan.Counts()
		course.Students = plan.Students()
		saved, err := svc.SaveSyncedRoster(ctx, *course)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"course":    saved,
			"added":     added,
			"updated":   updated,
			"unchanged": unchanged,
		})
	})

	// --- Sessions ---

	teacherGroup.POST("/courses/:id/sessions", func(c *gin.Context) {
		var req struct {
			ScheduleID string `json:"schedule_id"`
			Date       string `json:"date"`
		}
		// Body is optional; date defaults to today.
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		sess, err := svc.StartSession(c.Request.Context(), c.Param("id"), req.ScheduleID, req.Date)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		metrics.SessionsStartedTotal.Inc()
		c.JSON(http.StatusCreated, sess)
	})

	teacherGroup.GET("/courses/:id/sessions/active", func(c *gin.Context) {
		sess, err := svc.ActiveSession(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sess)
	})

	teacherGroup.POST("/courses/:id/sessions/close", func(c *gin.Context) {
		rec, err := svc.Closeout(c.Request.Context(), c.Param("id"))
		if err != nil {
			// Session stays open on store failures so this is retryable.
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		metrics.SessionsClosedTotal.Inc()
		c.JSON(http.StatusOK, rec)
	})

	teacherGroup.POST("/courses/:id/sessions/cancel", func(c *gin.Context) {
		if err := svc.CancelSession(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	// --- Scans ---

	scanGroup.POST("/scans", func(c *gin.Context) {
		var req struct {
			CourseID string    `json:"course_id" binding:"required"`
			Payload  string    `json:"payload" binding:"required"`
			At       time.Time `json:"at"`
			Async    bool      `json:"async"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		if req.Async {
			msg, err := queue.NewScanMessage(queue.ScanEvent{
				CourseID: req.CourseID, Payload: req.Payload, At: req.At,
			})
			if err == nil {
				err = q.Publish(c.Request.Context(), msg)
			}
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"queued": true})
			return
		}

		res, err := svc.IngestScan(c.Request.Context(), req.CourseID, req.Payload, req.At)
		metrics.ObserveScan(res, err)
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		if res.Outcome == attendance.ScanAccepted {
			banner.Show(res)
		}
		c.JSON(http.StatusOK, res)
	})

	scanGroup.GET("/scans/banner", func(c *gin.Context) {
		cur := banner.Current()
		if cur == nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, cur)
	})

	scanGroup.POST("/scans/banner/dismiss", func(c *gin.Context) {
		banner.Dismiss()
		c.Status(http.StatusNoContent)
	})

	// --- Records, stats, settings ---

	teacherGroup.GET("/courses/:id/records", func(c *gin.Context) {
		if date := c.Query("date"); date != "" {
			rec, err := svc.Record(c.Request.Context(), c.Param("id"), date)
			if err != nil {
				c.JSON(statusFor(err), gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, rec)
			return
		}
		recs, err := svc.RecordsByCourse(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": recs})
	})

	teacherGroup.PUT("/courses/:id/records/:date", func(c *gin.Context) {
		var req struct {
			Entries []attendance.StudentAttendance `json:"records" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := svc.SaveManualRecord(c.Request.Context(), c.Param("id"), c.Param("date"), req.Entries)
		if err != nil {
			status := statusFor(err)
			if status == http.StatusInternalServerError {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	teacherGroup.GET("/courses/:id/stats", func(c *gin.Context) {
		stats, err := svc.Stats(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	teacherGroup.GET("/settings", func(c *gin.Context) {
		ctx := c.Request.Context()
		threshold, err := settingsStore.TardyThresholdMinutes(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		duration, err := settingsStore.DefaultSessionDurationMinutes(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"tardy_threshold_minutes":          threshold,
			"default_session_duration_minutes": duration,
		})
	})

	teacherGroup.PUT("/settings/tardy-threshold", func(c *gin.Context) {
		var req struct {
			Minutes *int `json:"minutes" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := settingsStore.SetTardyThresholdMinutes(c.Request.Context(), *req.Minutes); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}
	log.Println("Server exited")
	return nil
}

func issueTokens(c *gin.Context, cfg config.App, subject, role string) {
	tokens, err := auth.Issue(subject, role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"expires_at":    tokens.AccessExp.Unix(),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, attendance.ErrCourseNotFound),
		errors.Is(err, attendance.ErrSessionNotFound),
		errors.Is(err, attendance.ErrNoActiveSession),
		errors.Is(err, attendance.ErrRecordNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
