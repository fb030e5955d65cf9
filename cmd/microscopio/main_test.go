package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/microscopio/microscopio/internal/config"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rig.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func mockConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.BaseFolder = t.TempDir()
	cfg.Cameras.Mock = true
	cfg.Cameras.MockCount = 2
	cfg.Defaults.MockGPIO = true
	cfg.Sensor.Type = config.SensorMock
	cfg.Experiment.StabilizationMs = 1
	return cfg
}

// ---------- commands ----------

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{"serve": false, "cameras": false, "version": false}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestCamerasCmd_Mock(t *testing.T) {
	path := writeConfig(t, "cameras:\n  mock: true\n  mock_count: 3\n")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"cameras", "--config", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := "0\t/dev/video0\n1\t/dev/video1\n2\t/dev/video2\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestCamerasCmd_NoneFound(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, "cameras:\n  device_glob: "+filepath.Join(dir, "video*")+"\n")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"cameras", "--config", path})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "no cameras found") {
		t.Errorf("output = %q", out.String())
	}
}

func TestRootCmd_BadConfig(t *testing.T) {
	path := writeConfig(t, "leds:\n  pins:\n    0: 99\n")
	root := newRootCmd()
	root.SetArgs([]string{"cameras", "--config", path})
	if err := root.Execute(); err == nil {
		t.Error("expected error for invalid config, got nil")
	}
}

func TestRootCmd_BadLogLevelFlag(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"version", "--log-level", "loud"})
	if err := root.Execute(); err == nil {
		t.Error("expected error for bad --log-level, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "microscopio") {
		t.Errorf("output = %q", out.String())
	}
}

// ---------- newSensor ----------

func TestNewSensor(t *testing.T) {
	cfg := config.Default()

	cfg.Sensor.Type = config.SensorNone
	if s, err := newSensor(cfg); s != nil || err != nil {
		t.Errorf("none: got %v, %v", s, err)
	}

	cfg.Sensor.Type = config.SensorMock
	if s, err := newSensor(cfg); s == nil || err != nil {
		t.Errorf("mock: got %v, %v", s, err)
	}

	cfg.Sensor.Type = config.SensorDHT11IIO
	cfg.Sensor.IIODir = t.TempDir()
	s, err := newSensor(cfg)
	if err == nil {
		t.Error("dht11_iio without a device: expected error")
	}
	if s != nil {
		t.Errorf("dht11_iio without a device: sensor = %v, want nil interface", s)
	}
}

// ---------- serve ----------

func startServe(t *testing.T, cfg *config.Config) (string, *syncBuffer, <-chan error, context.CancelFunc) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	logs := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, ln, logOutput(logs, false)) }()

	base := "http://" + ln.Addr().String()
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("server not ready: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return base, logs, done, cancel
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return")
	}
}

func TestServe_ShutdownEndpoint(t *testing.T) {
	cfg := mockConfig(t)
	base, logs, done, cancel := startServe(t, cfg)
	defer cancel()

	resp, err := http.Get(base + "/cameras")
	if err != nil {
		t.Fatal(err)
	}
	var ids []int
	json.NewDecoder(resp.Body).Decode(&ids)
	resp.Body.Close()
	if len(ids) != 2 {
		t.Errorf("cameras = %v, want 2 mock cameras", ids)
	}

	resp, err = http.Post(base+"/led/0/on", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("led on: status = %d", resp.StatusCode)
	}

	resp, err = http.Post(base+"/shutdown", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	waitDone(t, done)
	if !strings.Contains(logs.String(), "shutting down") {
		t.Errorf("logs lack the shutdown line:\n%s", logs.String())
	}
}

func TestServe_ExperimentStoppedOnCancel(t *testing.T) {
	cfg := mockConfig(t)
	base, _, done, cancel := startServe(t, cfg)
	defer cancel()

	body := strings.NewReader(`{"save_path":"exp1","duration":60,"interval":30}`)
	resp, err := http.Post(base+"/experiment/start", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status = %d", resp.StatusCode)
	}

	exp := filepath.Join(cfg.Storage.BaseFolder, "exp1")
	deadline := time.Now().Add(3 * time.Second)
	for {
		a, _ := filepath.Glob(filepath.Join(exp, "Microscopio0", "*.jpg"))
		b, _ := filepath.Glob(filepath.Join(exp, "Microscopio1", "*.jpg"))
		if len(a) == 1 && len(b) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first tick images: camera 0 %d, camera 1 %d", len(a), len(b))
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	waitDone(t, done)

	data, err := os.ReadFile(filepath.Join(exp, "resumen_dht.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Temp: 22.0C, Humidity: 45.0%") {
		t.Errorf("summary = %q", data)
	}
}
