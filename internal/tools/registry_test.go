package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harborline/mailroom/internal/types"
)

type echoArgs struct {
	Text  string `json:"text"`
	Count int    `json:"count,omitempty"`
}

func testRegistry(caps *Capabilities) *Registry {
	r := NewRegistry(caps, nil)
	r.Register(&Tool{
		Name:        "echo",
		Description: "Echo the input back.",
		Args:        echoArgs{},
		Handler: typed(func(_ context.Context, a echoArgs) (any, error) {
			return a, nil
		}),
	})
	r.Register(&Tool{
		Name: "fail_soft",
		Args: struct{}{},
		Handler: func(context.Context, json.RawMessage) (any, error) {
			return nil, types.NotFoundf("nothing here")
		},
	})
	r.Register(&Tool{
		Name: "fail_hard",
		Args: struct{}{},
		Handler: func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("disk on fire")
		},
	})
	return r
}

func TestInvokeSuccess(t *testing.T) {
	r := testRegistry(nil)
	resp, err := r.Invoke(context.Background(), "echo", "BlueLake", json.RawMessage(`{"text":"hi"}`))
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if !resp.OK || resp.Error != nil {
		t.Fatalf("resp = %+v", resp)
	}
	if got := resp.Data.(echoArgs); got.Text != "hi" {
		t.Errorf("data = %+v", got)
	}
}

func TestInvokeRecoverableErrorEmbedded(t *testing.T) {
	r := testRegistry(nil)
	resp, err := r.Invoke(context.Background(), "fail_soft", "", nil)
	if err != nil {
		t.Fatalf("recoverable error must not surface: %v", err)
	}
	if resp.OK || resp.Error == nil || resp.Error.Kind != types.ErrNotFound {
		t.Errorf("resp = %+v", resp)
	}
	if !resp.Error.Recoverable {
		t.Error("NOT_FOUND should be recoverable")
	}
}

func TestInvokeUnhandledSurfaces(t *testing.T) {
	r := testRegistry(nil)
	resp, err := r.Invoke(context.Background(), "fail_hard", "", nil)
	if resp != nil {
		t.Fatalf("resp = %+v, want nil", resp)
	}
	te, ok := types.AsToolError(err)
	if !ok || te.Kind != types.ErrUnhandled || te.Recoverable {
		t.Errorf("err = %v", err)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	r := testRegistry(nil)
	resp, err := r.Invoke(context.Background(), "nope", "", nil)
	if err != nil {
		t.Fatalf("unknown tool must be recoverable: %v", err)
	}
	if resp.OK || resp.Error.Kind != types.ErrNotFound {
		t.Errorf("resp = %+v", resp)
	}
}

func TestInvokeMalformedArgs(t *testing.T) {
	r := testRegistry(nil)
	resp, err := r.Invoke(context.Background(), "echo", "", json.RawMessage(`{"text":7}`))
	if err != nil {
		t.Fatalf("malformed args must be recoverable: %v", err)
	}
	if resp.OK || resp.Error.Kind != types.ErrInvalidArgument {
		t.Errorf("resp = %+v", resp)
	}
}

func TestInvokePanicBecomesUnhandled(t *testing.T) {
	r := testRegistry(nil)
	r.Register(&Tool{
		Name: "boom",
		Args: struct{}{},
		Handler: func(context.Context, json.RawMessage) (any, error) {
			panic("oops")
		},
	})
	resp, err := r.Invoke(context.Background(), "boom", "", nil)
	if resp != nil {
		t.Fatalf("resp = %+v, want nil", resp)
	}
	te, ok := types.AsToolError(err)
	if !ok || te.Kind != types.ErrUnhandled {
		t.Errorf("err = %v", err)
	}
}

func TestCapabilityEnforcement(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "caps.json")
	content := `{"default": ["echo"], "agents": {"Admin": ["*"], "ReadOnly": ["fail_soft"]}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	r := testRegistry(LoadCapabilities(path))

	if _, err := r.Invoke(context.Background(), "echo", "Admin", json.RawMessage(`{}`)); err != nil {
		t.Errorf("wildcard grant denied: %v", err)
	}
	if _, err := r.Invoke(context.Background(), "echo", "SomeAgent", json.RawMessage(`{}`)); err != nil {
		t.Errorf("default grant denied: %v", err)
	}

	_, err := r.Invoke(context.Background(), "echo", "ReadOnly", json.RawMessage(`{}`))
	te, ok := types.AsToolError(err)
	if !ok || te.Kind != types.ErrCapabilityDenied {
		t.Fatalf("err = %v", err)
	}
	if te.Recoverable {
		t.Error("CAPABILITY_DENIED must be unrecoverable")
	}

	grants, restricted := r.Capabilities().Grants("ReadOnly")
	if !restricted || len(grants) != 1 || grants[0] != "fail_soft" {
		t.Errorf("grants = %v restricted=%v", grants, restricted)
	}
}

func TestCapabilityFileMissingAllowsAll(t *testing.T) {
	caps := LoadCapabilities(filepath.Join(t.TempDir(), "absent.json"))
	if err := caps.Check("Anyone", "echo"); err != nil {
		t.Errorf("missing file must not lock callers out: %v", err)
	}
	if caps.LoadError() == nil {
		t.Error("load error should be reported for introspection")
	}
}

func TestMetricsAndRecentUsage(t *testing.T) {
	r := testRegistry(nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := r.Invoke(ctx, "echo", "BlueLake", json.RawMessage(`{"text":"x"}`)); err != nil {
			t.Fatal(err)
		}
	}
	_, _ = r.Invoke(ctx, "fail_soft", "BlueLake", nil)

	snap := r.MetricsSnapshot()
	if snap.Tools["echo"].Calls != 3 || snap.Tools["echo"].Errors != 0 {
		t.Errorf("echo metrics = %+v", snap.Tools["echo"])
	}
	if snap.Tools["fail_soft"].Calls != 1 || snap.Tools["fail_soft"].Errors != 1 {
		t.Errorf("fail_soft metrics = %+v", snap.Tools["fail_soft"])
	}

	events := r.RecentUsage(time.Minute)
	if len(events) != 4 {
		t.Fatalf("events = %d", len(events))
	}
	// Newest first: the failed call is at the head.
	if events[0].Tool != "fail_soft" || events[0].OK {
		t.Errorf("head event = %+v", events[0])
	}
}

func TestRecentUsageRingBounded(t *testing.T) {
	ring := newUsageRing()
	now := time.Now().UTC()
	for i := 0; i < ringCapacity+40; i++ {
		ring.add(UsageEvent{Tool: fmt.Sprintf("t%d", i), TS: now})
	}
	events := ring.since(now.Add(-time.Second))
	if len(events) != ringCapacity {
		t.Fatalf("events = %d, want %d", len(events), ringCapacity)
	}
	if events[0].Tool != fmt.Sprintf("t%d", ringCapacity+39) {
		t.Errorf("head = %+v", events[0])
	}
}

func TestDirectoryAndSchemas(t *testing.T) {
	r := NewRegistry(nil, nil)
	RegisterAll(r, nil)

	dir := r.Directory()
	if len(dir) != 26 {
		t.Fatalf("tool count = %d, want 26", len(dir))
	}
	names := map[string]bool{}
	for _, info := range dir {
		if info.Description == "" {
			t.Errorf("tool %s has no description", info.Name)
		}
		names[info.Name] = true
	}
	for _, want := range []string{
		"health_check", "ensure_project", "send_message", "reply_message",
		"reserve_file_paths", "summarize_threads", "macro_contact_handshake",
	} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}

	schemas := r.Schemas()
	send := schemas["send_message"]
	if send["to"] != "array" || send["subject"] != "string" || send["ack_required"] != "boolean" {
		t.Errorf("send_message schema = %v", send)
	}
	if mark := schemas["mark_message_read"]; mark["message_id"] != "integer" {
		t.Errorf("mark schema = %v", mark)
	}
}
