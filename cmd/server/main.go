package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	aquawebui "github.com/aquachat-app/aqua-web-ui"
	"github.com/aquachat-app/aqua-web-ui/internal/handlers"
	"github.com/aquachat-app/aqua-web-ui/internal/store"
	"github.com/aquachat-app/aqua-web-ui/internal/stream"
	"gopkg.in/yaml.v3"
)

var logger = slog.New(slog.NewTextHandler(os.Stderr, nil))

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		log.Fatal(fmt.Errorf("error getting user config dir: %w", err))
	}
	cfgPath := filepath.Join(cfgDir, "aquachat")
	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		log.Fatal(fmt.Errorf("error creating config directory: %w", err))
	}

	cfgFile, err := os.Open(filepath.Join(cfgPath, "config.yaml"))
	if err != nil {
		log.Fatal(fmt.Errorf("error opening config file: %w", err))
	}
	defer cfgFile.Close()

	cfg := config{}
	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil {
		log.Fatal(fmt.Errorf("error decoding config file: %w", err))
	}

	llm, err := cfg.LLM.llm(cfg.SystemPrompt)
	if err != nil {
		log.Fatal(err)
	}

	llmTimeout, err := cfg.llmTimeout()
	if err != nil {
		log.Fatal(err)
	}

	kv, closeKV, err := openKV(cfg.Storage, cfgPath)
	if err != nil {
		log.Fatal(err)
	}

	chatStore := store.New(kv, logger)

	m, err := handlers.NewMain(llm, chatStore, nil, handlers.Config{
		Language:   cfg.Language,
		LLMTimeout: llmTimeout,
		Renderer: stream.Config{
			TickInterval: time.Duration(cfg.Reveal.TickMs) * time.Millisecond,
			PersistEvery: cfg.Reveal.PersistEvery,
		},
		AudioCacheSize: cfg.AudioCacheSize,
	}, logger)
	if err != nil {
		log.Fatal(err)
	}

	// Serve static files
	staticFS, err := fs.Sub(aquawebui.StaticFS, "static")
	if err != nil {
		log.Fatal(err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/chats/stop", m.HandleStop)
	mux.HandleFunc("/chats/retry", m.HandleRetry)
	mux.HandleFunc("/chats/delete", m.HandleDeleteChat)
	mux.HandleFunc("/chats/delete-all", m.HandleDeleteAll)
	mux.HandleFunc("/speech", m.HandleSpeech)
	mux.HandleFunc("/sse/messages", m.HandleSSE)
	mux.HandleFunc("/sse/chats", m.HandleSSE)

	port := cfg.Port
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv.RegisterOnShutdown(func() {
		if err := m.Shutdown(context.Background()); err != nil {
			log.Printf("Failed to shutdown sse server: %v", err)
		}
		if err := closeKV(); err != nil {
			log.Printf("Failed to close storage: %v", err)
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		log.Println("Server starting on :" + port)
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		log.Printf("Server error: %v", err)

	case sig := <-shutdown:
		log.Printf("Start shutdown, signal: %v", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Graceful shutdown failed: %v", err)
			if err := srv.Close(); err != nil {
				log.Printf("Forcing server close: %v", err)
			}
		}
	}
}

// openKV builds the configured durable storage backend rooted under dir.
// The returned close function releases any held file handles.
func openKV(cfg storageConfig, dir string) (store.KV, func() error, error) {
	switch cfg.Backend {
	case "", "bolt":
		kv, err := store.NewBoltKV(filepath.Join(dir, "store.db"))
		if err != nil {
			return nil, nil, err
		}
		return kv, kv.Close, nil
	case "file":
		kv, err := store.NewFileKV(filepath.Join(dir, "data"))
		if err != nil {
			return nil, nil, err
		}
		return kv, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
