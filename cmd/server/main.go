package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/snaprelay/snaprelay/internal/allowlist"
	"github.com/snaprelay/snaprelay/internal/api"
	"github.com/snaprelay/snaprelay/internal/browser"
	"github.com/snaprelay/snaprelay/internal/messenger"
	"github.com/snaprelay/snaprelay/internal/navigator"
	"github.com/snaprelay/snaprelay/internal/ratelimit"
	"github.com/snaprelay/snaprelay/internal/tabs"
	"github.com/snaprelay/snaprelay/internal/uploader"
	"github.com/snaprelay/snaprelay/internal/visibility"
	"github.com/snaprelay/snaprelay/internal/workflow"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	log.Println("Starting Snaprelay...")

	pool, err := browser.NewPool(envInt("VIEWPORT_WIDTH", 1280), envInt("VIEWPORT_HEIGHT", 800))
	if err != nil {
		log.Fatalf("Failed to create browser pool: %v", err)
	}
	defer pool.Close()
	log.Println("✓ Browser pool initialized")

	// Ensure the Chrome image is available
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	log.Println("⏳ Ensuring Chrome image is available...")
	if err := pool.EnsureImage(ctx); err != nil {
		log.Fatalf("Failed to ensure image: %v", err)
	}
	log.Println("✓ Chrome image ready")

	tabMgr := tabs.NewManager(pool, envInt("MAX_TABS", 10), envInt("TAB_TIMEOUT_SECONDS", 3600))
	log.Println("✓ Tab manager initialized")

	visStore, err := visibility.NewStore(envString("STORAGE_DIR", "./storage"))
	if err != nil {
		log.Fatalf("Failed to create visibility store: %v", err)
	}
	log.Printf("✓ Visibility store initialized (overlay visible: %v)", visStore.Load())

	allow := allowlist.New(strings.Split(envString("ALLOWED_TARGETS", allowlist.Wildcard), ","))
	hub := messenger.NewHub()
	nav := navigator.New(tabMgr)

	orch := workflow.New(workflow.Config{
		Allowlist:       allow,
		Navigator:       nav,
		Messenger:       hub,
		Capturer:        tabMgr,
		Uploader:        uploader.New(),
		Visibility:      visStore,
		SelectionPrompt: envString("SELECTION_PROMPT", ""),
	})
	log.Println("✓ Workflow orchestrator initialized")

	// Rate limiter for the activation bridge (100 activations/hour, burst of 10)
	rateLimiter := ratelimit.NewLimiter(100, 10)
	log.Println("✓ Rate limiter initialized (100 activations/hour per origin)")

	handler := api.NewHandler(orch, tabMgr)
	uiChannel := api.NewUIChannelHandler(orch, hub)

	router := handler.SetupRoutes(uiChannel, rateLimiter)
	log.Println("✓ HTTP routes configured")

	port := envString("PORT", "8080")
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("🚀 Server starting on http://localhost:%s", port)
		log.Printf("📍 Activation bridge at http://localhost:%s/v1/activate", port)
		log.Printf("🖼  Selection UI channel at ws://localhost:%s/v1/tabs/{id}/ui", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("\n⏳ Shutting down server gracefully...")

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server stopped cleanly")
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("Warning: invalid %s=%q, using %d", key, v, fallback)
	}
	return fallback
}
