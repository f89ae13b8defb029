package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"talkme/server/internal/store"
)

func main() {
	streamAddr := flag.String("stream-addr", ":5555", "TCP listen address for the control/chat/signaling stream")
	voiceAddr := flag.String("voice-addr", ":5556", "UDP listen address for voice and link-probe datagrams")
	apiAddr := flag.String("api-addr", ":8080", "REST API listen address (empty to disable)")
	dbPath := flag.String("db", "talkme.db", "SQLite database path")
	attachmentsDir := flag.String("attachments-dir", "attachments", "directory for uploaded attachments")
	flag.Parse()

	logLevel := slog.LevelInfo
	if os.Getenv("VOICE_TRACE") != "" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	st, err := store.Open(*dbPath)
	if err != nil {
		slog.Error("open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	absAttachments, err := filepath.Abs(*attachmentsDir)
	if err != nil {
		absAttachments = *attachmentsDir
	}
	if err := os.MkdirAll(absAttachments, 0o755); err != nil {
		slog.Error("create attachments dir", "err", err)
		os.Exit(1)
	}

	srv := newServer(st, absAttachments)

	ctx, cancel := context.WithCancel(context.Background())
	go waitForShutdownSignal(ctx, cancel)

	cfg := Config{
		StreamAddr:     *streamAddr,
		VoiceAddr:      *voiceAddr,
		APIAddr:        *apiAddr,
		DBPath:         *dbPath,
		AttachmentsDir: absAttachments,
	}
	if err := srv.listenAndServe(ctx, cfg); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}
