package intrusion

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"hostguard/internal/schema"
)

func testConfig() Config {
	return Config{
		FailureThreshold:  5,
		DistinctAddresses: 3,
		Window:            10 * time.Minute,
		ExecWindow:        2 * time.Minute,
		ElevationPatterns: []string{"sudo", "su", "pkexec"},
		MaxTrackedKeys:    32,
		IdleTimeout:       30 * time.Minute,
	}
}

func hostEvent(at time.Time, eventType schema.EventType, payload map[string]any) *schema.EventEnvelope {
	return &schema.EventEnvelope{
		EventID:   uuid.New(),
		Timestamp: at,
		Source:    "test_agent",
		EventType: eventType,
		Severity:  schema.SeverityInfo,
		Host:      "host-1",
		Payload:   payload,
	}
}

func loginEvent(at time.Time, success bool, ip, user string) *schema.EventEnvelope {
	return hostEvent(at, schema.EventAuthSSHLogin, map[string]any{
		"success":   success,
		"source_ip": ip,
		"user":      user,
	})
}

func execEvent(at time.Time, binPath, argv string) *schema.EventEnvelope {
	payload := map[string]any{
		"path": binPath,
		"pid":  int64(1234),
	}
	if argv != "" {
		payload["argv"] = argv
	}
	return hostEvent(at, schema.EventProcessExec, payload)
}

// feedBruteForce drives a qualifying failure burst: enough failures from
// enough distinct addresses inside the window.
func feedBruteForce(t *testing.T, d *Detector, start time.Time) {
	t.Helper()
	for i := 0; i < 6; i++ {
		ip := fmt.Sprintf("203.0.113.%d", i%3+1)
		env := loginEvent(start.Add(time.Duration(i)*10*time.Second), false, ip, "root")
		if f, err := d.OnEvent(env); err != nil || f != nil {
			t.Fatalf("failure event produced finding=%v err=%v", f, err)
		}
	}
}

func TestDetector_FullChainAlerts(t *testing.T) {
	d := New(testConfig())
	start := time.Now().UTC()

	feedBruteForce(t, d, start)

	success := loginEvent(start.Add(70*time.Second), true, "203.0.113.1", "deploy")
	if f, err := d.OnEvent(success); err != nil || f != nil {
		t.Fatalf("success event produced finding=%v err=%v", f, err)
	}

	elevation := execEvent(start.Add(90*time.Second), "/usr/bin/sudo", "sudo -i")
	f, err := d.OnEvent(elevation)
	if err != nil {
		t.Fatalf("OnEvent() error = %v", err)
	}
	if f == nil {
		t.Fatal("full chain produced no finding")
	}
	if f.AlertType != schema.EventAlertIntrusion {
		t.Fatalf("AlertType = %q", f.AlertType)
	}
	if f.Severity != schema.SeverityCritical {
		t.Fatalf("Severity = %q", f.Severity)
	}
	if f.Host != "host-1" || f.Key != "host-1" {
		t.Fatalf("Host/Key = %q/%q", f.Host, f.Key)
	}
	// 6 failures, the success and the elevation exec.
	if len(f.Evidence) != 8 {
		t.Fatalf("Evidence has %d IDs, want 8", len(f.Evidence))
	}
}

func TestDetector_NormalLoginDoesNotArm(t *testing.T) {
	d := New(testConfig())
	start := time.Now().UTC()

	// A routine success with no failure burst.
	if f, _ := d.OnEvent(loginEvent(start, true, "198.51.100.9", "alice")); f != nil {
		t.Fatalf("bare success alerted: %+v", f)
	}
	if f, _ := d.OnEvent(execEvent(start.Add(10*time.Second), "/usr/bin/sudo", "")); f != nil {
		t.Fatalf("sudo after routine login alerted: %+v", f)
	}
}

func TestDetector_FailuresBelowThresholdDoNotArm(t *testing.T) {
	d := New(testConfig())
	start := time.Now().UTC()

	for i := 0; i < 3; i++ {
		d.OnEvent(loginEvent(start.Add(time.Duration(i)*time.Second), false, fmt.Sprintf("203.0.113.%d", i+1), "root"))
	}
	d.OnEvent(loginEvent(start.Add(30*time.Second), true, "203.0.113.1", "root"))

	if f, _ := d.OnEvent(execEvent(start.Add(40*time.Second), "/usr/bin/sudo", "")); f != nil {
		t.Fatalf("chain alerted below failure threshold: %+v", f)
	}
}

func TestDetector_RequiresDistinctAddresses(t *testing.T) {
	d := New(testConfig())
	start := time.Now().UTC()

	// Many failures, single source.
	for i := 0; i < 10; i++ {
		d.OnEvent(loginEvent(start.Add(time.Duration(i)*time.Second), false, "203.0.113.1", "root"))
	}
	d.OnEvent(loginEvent(start.Add(30*time.Second), true, "203.0.113.1", "root"))

	if f, _ := d.OnEvent(execEvent(start.Add(40*time.Second), "/usr/bin/sudo", "")); f != nil {
		t.Fatalf("single-source burst armed the chain: %+v", f)
	}
}

func TestDetector_ExecWindowExpires(t *testing.T) {
	d := New(testConfig())
	start := time.Now().UTC()

	feedBruteForce(t, d, start)
	d.OnEvent(loginEvent(start.Add(70*time.Second), true, "203.0.113.1", "deploy"))

	// Elevation arrives after the exec window: disarmed, no alert.
	late := execEvent(start.Add(70*time.Second+3*time.Minute), "/usr/bin/sudo", "")
	if f, _ := d.OnEvent(late); f != nil {
		t.Fatalf("expired exec window still alerted: %+v", f)
	}

	// Another elevation right after must also stay quiet.
	if f, _ := d.OnEvent(execEvent(start.Add(70*time.Second+3*time.Minute+time.Second), "/usr/bin/sudo", "")); f != nil {
		t.Fatalf("disarmed chain re-alerted: %+v", f)
	}
}

func TestDetector_NonElevationExecDoesNotComplete(t *testing.T) {
	d := New(testConfig())
	start := time.Now().UTC()

	feedBruteForce(t, d, start)
	d.OnEvent(loginEvent(start.Add(70*time.Second), true, "203.0.113.1", "deploy"))

	if f, _ := d.OnEvent(execEvent(start.Add(80*time.Second), "/usr/bin/ls", "ls -la")); f != nil {
		t.Fatalf("benign exec completed the chain: %+v", f)
	}

	// The chain stays armed: a real elevation still alerts.
	f, _ := d.OnEvent(execEvent(start.Add(90*time.Second), "/bin/su", "su -"))
	if f == nil {
		t.Fatal("elevation after benign exec did not alert")
	}
}

func TestDetector_ElevationMatching(t *testing.T) {
	d := New(testConfig())
	cases := []struct {
		name string
		path string
		argv string
		want bool
	}{
		{"sudo by path", "/usr/bin/sudo", "", true},
		{"su by path", "/bin/su", "", true},
		{"sudo by argv", "/usr/bin/env", "sudo apt upgrade", true},
		{"bare argv match", "/usr/bin/env", "su", true},
		{"substring does not match", "/usr/bin/sudoedit-helper", "", false},
		{"argv substring does not match", "/usr/bin/env", "sudoku --solve", false},
		{"benign binary", "/usr/bin/vim", "vim /etc/motd", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := execEvent(time.Now(), tc.path, tc.argv)
			if got := d.isElevation(env); got != tc.want {
				t.Fatalf("isElevation(%q, %q) = %v, want %v", tc.path, tc.argv, got, tc.want)
			}
		})
	}
}

func TestDetector_FailuresOutsideWindowIgnored(t *testing.T) {
	d := New(testConfig())
	start := time.Now().UTC()

	// Stale failures, then a success far outside the window.
	for i := 0; i < 6; i++ {
		d.OnEvent(loginEvent(start.Add(time.Duration(i)*time.Second), false, fmt.Sprintf("203.0.113.%d", i%3+1), "root"))
	}
	d.OnEvent(loginEvent(start.Add(15*time.Minute), true, "203.0.113.1", "root"))

	if f, _ := d.OnEvent(execEvent(start.Add(15*time.Minute+10*time.Second), "/usr/bin/sudo", "")); f != nil {
		t.Fatalf("stale failures armed the chain: %+v", f)
	}
}

func TestDetector_ConnectsJoinEvidence(t *testing.T) {
	d := New(testConfig())
	start := time.Now().UTC()

	feedBruteForce(t, d, start)
	d.OnEvent(loginEvent(start.Add(70*time.Second), true, "203.0.113.1", "deploy"))
	d.OnEvent(hostEvent(start.Add(75*time.Second), schema.EventNetworkConnect, map[string]any{
		"dest_ip":   "198.51.100.77",
		"dest_port": int64(4444),
		"pid":       int64(1234),
	}))

	f, _ := d.OnEvent(execEvent(start.Add(80*time.Second), "/usr/bin/sudo", ""))
	if f == nil {
		t.Fatal("chain with connect did not alert")
	}
	// 6 failures, success, connect, elevation.
	if len(f.Evidence) != 9 {
		t.Fatalf("Evidence has %d IDs, want 9", len(f.Evidence))
	}
}
