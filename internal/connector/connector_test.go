package connector

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agency/internal/job"
)

// rawScript writes an executable shell script and returns its path.
func rawScript(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "connector.sh")
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return p
}

// script is rawScript for a connector that reports cli-version 1.
func script(t *testing.T, body string) string {
	t.Helper()
	return rawScript(t, `[ "$1" = cli-version ] && { echo 1; exit 0; }`+"\n"+body)
}

func TestSubcommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		dir  Direction
		kind job.Kind
		want string
	}{
		{Receive, job.KindFile, "receive-file"},
		{Receive, job.KindDirectory, "receive-dir"},
		{Send, job.KindFile, "send-file"},
		{Send, job.KindDirectory, "send-dir"},
	}
	for _, tt := range tests {
		if got := Subcommand(tt.dir, tt.kind); got != tt.want {
			t.Errorf("Subcommand(%s, %s) = %s, want %s", tt.dir, tt.kind, got, tt.want)
		}
	}
}

func TestInvoke_PassesAccessAndListing(t *testing.T) {
	t.Parallel()
	out := t.TempDir()
	cmd := script(t, `
echo "$1" > "`+out+`/subcommand"
cat "$2" > "`+out+`/access.json"
echo "$3" > "`+out+`/path"
case "$4" in --listing=*) cat "${4#--listing=}" > "`+out+`/listing.json";; esac
ls -l "$2" | cut -c1-10 > "`+out+`/mode"
`)

	inv := New(Config{Timeout: 10 * time.Second, TempDir: t.TempDir()}, nil)
	err := inv.Invoke(context.Background(), Request{
		Connector: job.Connector{
			Command: cmd,
			Access:  map[string]any{"url": "https://example.com/data.csv"},
			Listing: json.RawMessage(`[{"class":"File","basename":"a.txt"}]`),
		},
		Direction: Receive,
		Kind:      job.KindDirectory,
		Path:      "/work/in",
		Secret:    map[string]any{"username": "u", "password": "p"},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}

	read := func(name string) string {
		data, err := os.ReadFile(filepath.Join(out, name))
		if err != nil {
			t.Fatalf("Connector did not write %s: %v", name, err)
		}
		return strings.TrimSpace(string(data))
	}

	if got := read("subcommand"); got != "receive-dir" {
		t.Errorf("Expected receive-dir, got %q", got)
	}
	if got := read("path"); got != "/work/in" {
		t.Errorf("Expected local path, got %q", got)
	}
	if got := read("mode"); got != "-rw-------" {
		t.Errorf("Expected private access file, got %q", got)
	}
	var access map[string]any
	if err := json.Unmarshal([]byte(read("access.json")), &access); err != nil {
		t.Fatalf("Invalid access JSON: %v", err)
	}
	auth, _ := access["auth"].(map[string]any)
	if access["url"] != "https://example.com/data.csv" || auth["password"] != "p" {
		t.Errorf("Unexpected access %v", access)
	}
	if got := read("listing.json"); !strings.Contains(got, "a.txt") {
		t.Errorf("Expected listing, got %q", got)
	}
}

func TestInvoke_RemovesTempFiles(t *testing.T) {
	t.Parallel()
	tmp := t.TempDir()
	inv := New(Config{Timeout: 10 * time.Second, TempDir: tmp}, nil)
	cmd := script(t, "exit 0")
	req := Request{Connector: job.Connector{Command: cmd, Listing: json.RawMessage(`[]`)}, Direction: Send, Kind: job.KindFile, Path: "/x"}
	if err := inv.Invoke(context.Background(), req); err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	entries, _ := os.ReadDir(tmp)
	if len(entries) != 0 {
		t.Errorf("Expected temp files removed, found %d", len(entries))
	}
}

func TestInvoke_Classification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		command   string
		direction Direction
		class     job.Class
		stage     job.Stage
		message   string
	}{
		{"non-zero exit is transient", script(t, "echo 'network unreachable' >&2; exit 1"), Receive, job.ClassTransient, job.StageInput, "network unreachable"},
		{"fatal exit code", script(t, "echo 'bad access' >&2; exit 65"), Receive, job.ClassFatal, job.StageInput, "exited with code 65"},
		{"send failures belong to output", script(t, "exit 3"), Send, job.ClassTransient, job.StageOutput, "exited with code 3"},
		{"missing executable is fatal", filepath.Join(t.TempDir(), "nope"), Receive, job.ClassFatal, job.StageInput, "nope"},
		{"not on PATH is fatal", "agency-connector-that-does-not-exist", Send, job.ClassFatal, job.StageOutput, "executable file not found"},
	}

	inv := New(Config{Timeout: 10 * time.Second, FatalExitCodes: []int{64, 65, 77}}, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := inv.Invoke(context.Background(), Request{
				Connector: job.Connector{Command: tt.command},
				Direction: tt.direction,
				Kind:      job.KindFile,
				Path:      "/x",
			})
			var se *job.StageError
			if !errors.As(err, &se) {
				t.Fatalf("Expected StageError, got %v", err)
			}
			if se.Class != tt.class || se.Stage != tt.stage {
				t.Errorf("Got class=%s stage=%s, want %s %s", se.Class, se.Stage, tt.class, tt.stage)
			}
			if !strings.Contains(err.Error(), tt.message) {
				t.Errorf("Expected %q in %q", tt.message, err.Error())
			}
		})
	}
}

func TestInvoke_Timeout(t *testing.T) {
	t.Parallel()
	inv := New(Config{Timeout: 200 * time.Millisecond}, nil)
	err := inv.Invoke(context.Background(), Request{
		Connector: job.Connector{Command: script(t, "exec sleep 10")},
		Direction: Receive,
		Kind:      job.KindFile,
		Path:      "/x",
	})
	if job.ClassOf(err) != job.ClassTransient || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("Expected transient timeout, got %v", err)
	}
}

func TestInvoke_Cancelled(t *testing.T) {
	t.Parallel()
	inv := New(Config{Timeout: 10 * time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	start := time.Now()
	err := inv.Invoke(ctx, Request{
		Connector: job.Connector{Command: script(t, "exec sleep 10")},
		Direction: Send,
		Kind:      job.KindFile,
		Path:      "/x",
	})
	if job.ClassOf(err) != job.ClassCancelled {
		t.Errorf("Expected cancelled, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Expected cancellation to stop the connector promptly")
	}
}

func TestVersion(t *testing.T) {
	t.Parallel()
	inv := New(Config{}, nil)

	v, err := inv.Version(context.Background(), rawScript(t, `[ "$1" = cli-version ] && echo 0.1`))
	if err != nil || v != "0.1" {
		t.Errorf("Expected 0.1, got %q, %v", v, err)
	}

	if _, err := inv.Version(context.Background(), rawScript(t, "echo a; echo b")); err == nil {
		t.Error("Expected error for multi-line version")
	}
	if _, err := inv.Version(context.Background(), rawScript(t, "exit 2")); err == nil {
		t.Error("Expected error for failing connector")
	}
}

func TestInvoke_ChecksProtocolOnce(t *testing.T) {
	t.Parallel()
	calls := filepath.Join(t.TempDir(), "calls")
	cmd := rawScript(t, `echo "$1" >> "`+calls+`"
[ "$1" = cli-version ] && echo 0.1
exit 0`)

	inv := New(Config{Timeout: 10 * time.Second}, nil)
	req := Request{Connector: job.Connector{Command: cmd}, Direction: Receive, Kind: job.KindFile, Path: "/x"}
	for range 2 {
		if err := inv.Invoke(context.Background(), req); err != nil {
			t.Fatalf("Invoke failed: %v", err)
		}
	}
	data, err := os.ReadFile(calls)
	if err != nil {
		t.Fatal(err)
	}
	got := strings.Fields(string(data))
	want := []string{"cli-version", "receive-file", "receive-file"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("Expected calls %v, got %v", want, got)
	}
}

func TestInvoke_RejectsUnknownProtocol(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		body    string
		class   job.Class
		message string
	}{
		{"unsupported version", `[ "$1" = cli-version ] && echo 2.0; exit 0`, job.ClassFatal, `cli-version "2.0"`},
		{"version command fails", `echo 'temporarily broken' >&2; exit 1`, job.ClassTransient, "temporarily broken"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			marker := filepath.Join(t.TempDir(), "transferred")
			cmd := rawScript(t, `[ "$1" != cli-version ] && touch "`+marker+`"
`+tt.body)

			inv := New(Config{Timeout: 10 * time.Second}, nil)
			err := inv.Invoke(context.Background(), Request{
				Connector: job.Connector{Command: cmd},
				Direction: Send,
				Kind:      job.KindFile,
				Path:      "/x",
			})
			if job.ClassOf(err) != tt.class || !strings.Contains(err.Error(), tt.message) {
				t.Errorf("Expected %s error containing %q, got %v", tt.class, tt.message, err)
			}
			if _, err := os.Stat(marker); err == nil {
				t.Error("Expected no transfer before the protocol check passed")
			}
		})
	}
}
