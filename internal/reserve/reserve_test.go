package reserve

import (
	"testing"
	"time"

	"github.com/harborline/mailroom/internal/types"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"src/*.go", "src/main.go", true},
		{"src/*", "src/app/main.go", true}, // `*` crosses separators
		{"src/*", "lib/main.go", false},
		{"*.md", "README.md", true},
		{"*.md", "docs/README.md", true},
		{"exact/path.go", "exact/path.go", true},
		{"file?.txt", "file1.txt", true},
		{"file?.txt", "file12.txt", false},
		{"[ab]*.go", "a_test.go", true},
		{"[!ab]*.go", "c_test.go", true},
		{"[!ab]*.go", "a_test.go", false},
		{"[unclosed", "[unclosed", true}, // literal bracket
	}
	for _, tt := range tests {
		if got := Match(tt.pattern, tt.name); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

func TestConflicts(t *testing.T) {
	base := func() *types.FileReservation {
		return &types.FileReservation{
			AgentID:     1,
			PathPattern: "src/*",
			Exclusive:   true,
			ExpiresTS:   time.Now().Add(time.Hour),
		}
	}
	tests := []struct {
		name      string
		mutate    func(*types.FileReservation)
		path      string
		exclusive bool
		agentID   int64
		want      bool
	}{
		{"overlap exclusive vs exclusive", nil, "src/app.go", true, 2, true},
		{"overlap exclusive vs shared", nil, "src/app.go", false, 2, true},
		{"same agent never conflicts", nil, "src/app.go", true, 1, false},
		{"released never conflicts", func(r *types.FileReservation) {
			r.ReleasedTS = types.Ptr(time.Now())
		}, "src/app.go", true, 2, false},
		{"both shared coexist", func(r *types.FileReservation) {
			r.Exclusive = false
		}, "src/app.go", false, 2, false},
		{"shared existing vs exclusive candidate", func(r *types.FileReservation) {
			r.Exclusive = false
		}, "src/app.go", true, 2, true},
		{"disjoint paths", nil, "docs/readme.md", true, 2, false},
		{"exact equality", func(r *types.FileReservation) {
			r.PathPattern = "go.mod"
		}, "go.mod", true, 2, true},
		{"candidate pattern covers existing", func(r *types.FileReservation) {
			r.PathPattern = "src/main.go"
		}, "src/*", true, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base()
			if tt.mutate != nil {
				tt.mutate(r)
			}
			if got := Conflicts(r, tt.path, tt.exclusive, tt.agentID); got != tt.want {
				t.Errorf("Conflicts = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPatternsOverlap(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"./src/main.go", "src/main.go", true},
		{"src/*", "./src/deep/file.go", true},
		{"a.txt", "b.txt", false},
		{"*", "anything/at/all", true},
	}
	for _, tt := range tests {
		if got := PatternsOverlap(tt.a, tt.b); got != tt.want {
			t.Errorf("PatternsOverlap(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestAnyOverlap(t *testing.T) {
	if !AnyOverlap([]string{"docs/*", "src/*"}, []string{"lib/x.go", "src/y.go"}) {
		t.Error("expected overlap between src/* and src/y.go")
	}
	if AnyOverlap([]string{"docs/*"}, []string{"src/y.go"}) {
		t.Error("expected no overlap")
	}
}

func TestClampTTL(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{0, DefaultTTL},
		{-5 * time.Second, DefaultTTL},
		{10 * time.Second, MinTTL},
		{59 * time.Second, MinTTL},
		{60 * time.Second, 60 * time.Second},
		{2 * time.Hour, 2 * time.Hour},
	}
	for _, tt := range tests {
		if got := ClampTTL(tt.in); got != tt.want {
			t.Errorf("ClampTTL(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRenewFrom(t *testing.T) {
	now := time.Now()

	// Active grant extends from its current expiry.
	exp := now.Add(30 * time.Minute)
	got := RenewFrom(now, exp, 10*time.Minute)
	if want := exp.Add(10 * time.Minute); !got.Equal(want) {
		t.Errorf("active renew = %v, want %v", got, want)
	}

	// Expired grant extends from now, never back-dated.
	stale := now.Add(-time.Hour)
	got = RenewFrom(now, stale, 10*time.Minute)
	if want := now.Add(10 * time.Minute); !got.Equal(want) {
		t.Errorf("expired renew = %v, want %v", got, want)
	}

	// Sub-minimum extension is clamped.
	got = RenewFrom(now, stale, time.Second)
	if want := now.Add(MinTTL); !got.Equal(want) {
		t.Errorf("clamped renew = %v, want %v", got, want)
	}
}
