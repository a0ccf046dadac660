package main

import (
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"callctl/pkg/config"
	"callctl/pkg/dispatch"
	"callctl/pkg/livekit"
	"callctl/pkg/protocol"
	"callctl/pkg/worker"
)

func TestRunServe_ServesUntilCancelled(t *testing.T) {
	cfg := testWorkerConfig(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, ln, discardLogger()) }()

	url := "http://" + ln.Addr().String()
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("daemon never became healthy: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get(url + "/metrics")
	if err != nil {
		cancel()
		t.Fatalf("metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServe: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("runServe did not return after cancel")
	}
}

func TestNewControlPlane(t *testing.T) {
	cfg := config.Default()
	cfg.Home = t.TempDir()

	cfg.Dispatch.Transport = config.TransportLocal
	cp, err := newControlPlane(cfg)
	if _, ok := cp.(*worker.LocalControlPlane); err != nil || !ok {
		t.Errorf("local: %T, %v", cp, err)
	}

	cfg.Dispatch.Transport = config.TransportCLI
	cp, err = newControlPlane(cfg)
	if _, ok := cp.(*dispatch.CLIControlPlane); err != nil || !ok {
		t.Errorf("cli: %T, %v", cp, err)
	}

	cfg.Dispatch.Transport = config.TransportAPI
	_, err = newControlPlane(cfg)
	if protocol.Classify(err) != protocol.ClassInternal || !strings.Contains(err.Error(), "LIVEKIT_URL") {
		t.Errorf("api without credentials: err = %v", err)
	}

	cfg.LiveKit = config.LiveKitConfig{URL: "wss://x.livekit.cloud", APIKey: "k", APISecret: "s"}
	cp, err = newControlPlane(cfg)
	if _, ok := cp.(*livekit.ControlPlane); err != nil || !ok {
		t.Errorf("api: %T, %v", cp, err)
	}
}

func TestNewLogger(t *testing.T) {
	var jsonBuf, textBuf syncBuffer
	newLogger("json", &jsonBuf).Info("hello", "agent_id", "a1")
	if !strings.Contains(jsonBuf.String(), `"agent_id":"a1"`) {
		t.Errorf("json log = %q", jsonBuf.String())
	}
	newLogger("text", &textBuf).Info("hello", "agent_id", "a1")
	if !strings.Contains(textBuf.String(), "agent_id=a1") {
		t.Errorf("text log = %q", textBuf.String())
	}
}
