// Package startup runs preflight diagnostics before the daemon begins
// ingesting: directory and key permissions, port availability and
// threshold sanity. Errors block startup, warnings do not.
package startup

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"

	"hostguard/internal/config"
)

// DiagnosticResult is the outcome of one check.
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// Diagnostics runs all startup checks.
type Diagnostics struct {
	cfg     *config.Config
	results []DiagnosticResult
	logger  *slog.Logger
}

// NewDiagnostics creates a diagnostics runner.
func NewDiagnostics(cfg *config.Config, logger *slog.Logger) *Diagnostics {
	return &Diagnostics{cfg: cfg, logger: logger}
}

// RunAll runs every diagnostic check and returns the results.
func (d *Diagnostics) RunAll() []DiagnosticResult {
	d.logger.Info("running startup diagnostics")

	d.checkSystem()
	d.checkLogDirectory()
	d.checkSealKey()
	d.checkPorts()
	d.checkThresholds()

	d.printSummary()
	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"cpus":       fmt.Sprintf("%d", runtime.NumCPU()),
		},
	})
}

// checkLogDirectory verifies the event log directory exists and is
// writable, creating it when missing.
func (d *Diagnostics) checkLogDirectory() {
	dir := d.cfg.Log.Dir

	if err := os.MkdirAll(dir, 0o700); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "log_directory",
			Status:  StatusError,
			Message: fmt.Sprintf("cannot create log directory: %v", err),
			Details: map[string]string{"dir": dir},
		})
		return
	}

	probe := filepath.Join(dir, ".preflight")
	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		d.addResult(DiagnosticResult{
			Name:    "log_directory",
			Status:  StatusError,
			Message: fmt.Sprintf("log directory not writable: %v", err),
			Details: map[string]string{"dir": dir},
		})
		return
	}
	os.Remove(probe)

	d.addResult(DiagnosticResult{
		Name:    "log_directory",
		Status:  StatusOK,
		Message: "log directory writable",
		Details: map[string]string{"dir": dir},
	})
}

// checkSealKey warns when an existing master key file has loose
// permissions. A missing file is fine; the sealer creates it.
func (d *Diagnostics) checkSealKey() {
	info, err := os.Stat(d.cfg.Log.KeyPath)
	if err != nil {
		if os.IsNotExist(err) {
			d.addResult(DiagnosticResult{
				Name:    "seal_key",
				Status:  StatusOK,
				Message: "master key will be created on first seal",
				Details: map[string]string{"path": d.cfg.Log.KeyPath},
			})
			return
		}
		d.addResult(DiagnosticResult{
			Name:    "seal_key",
			Status:  StatusError,
			Message: fmt.Sprintf("cannot stat master key: %v", err),
		})
		return
	}

	if info.Mode().Perm()&0o077 != 0 {
		d.addResult(DiagnosticResult{
			Name:    "seal_key",
			Status:  StatusWarning,
			Message: "master key readable by group or others",
			Details: map[string]string{
				"path": d.cfg.Log.KeyPath,
				"mode": info.Mode().Perm().String(),
			},
		})
		return
	}

	d.addResult(DiagnosticResult{
		Name:   "seal_key",
		Status: StatusOK,
	})
}

func (d *Diagnostics) checkPorts() {
	ports := map[string]string{
		"admin": d.cfg.Server.HTTPAddr,
	}
	if d.cfg.TCP.Enabled {
		ports["tcp_listener"] = d.cfg.TCP.Address
	}

	for name, addr := range ports {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			d.addResult(DiagnosticResult{
				Name:    "port_" + name,
				Status:  StatusError,
				Message: fmt.Sprintf("address unavailable: %v", err),
				Details: map[string]string{"address": addr},
			})
			continue
		}
		ln.Close()
		d.addResult(DiagnosticResult{
			Name:    "port_" + name,
			Status:  StatusOK,
			Details: map[string]string{"address": addr},
		})
	}

	if d.cfg.DTLS.Enabled {
		conn, err := net.ListenPacket("udp", d.cfg.DTLS.Address)
		if err != nil {
			d.addResult(DiagnosticResult{
				Name:    "port_dtls_listener",
				Status:  StatusError,
				Message: fmt.Sprintf("address unavailable: %v", err),
				Details: map[string]string{"address": d.cfg.DTLS.Address},
			})
		} else {
			conn.Close()
			d.addResult(DiagnosticResult{
				Name:    "port_dtls_listener",
				Status:  StatusOK,
				Details: map[string]string{"address": d.cfg.DTLS.Address},
			})
		}
	}
}

// checkThresholds flags detector settings that silently disable
// detection instead of failing validation.
func (d *Diagnostics) checkThresholds() {
	if d.cfg.Ransomware.FollowUpWindow >= d.cfg.Ransomware.Window {
		d.addResult(DiagnosticResult{
			Name:    "ransomware_thresholds",
			Status:  StatusWarning,
			Message: "follow_up_window is not shorter than the observation window",
		})
	} else {
		d.addResult(DiagnosticResult{Name: "ransomware_thresholds", Status: StatusOK})
	}

	if d.cfg.Intrusion.ExecWindow >= d.cfg.Intrusion.Window {
		d.addResult(DiagnosticResult{
			Name:    "intrusion_thresholds",
			Status:  StatusWarning,
			Message: "exec_window is not shorter than the failure window",
		})
	} else {
		d.addResult(DiagnosticResult{Name: "intrusion_thresholds", Status: StatusOK})
	}
}

func (d *Diagnostics) printSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}
	d.logger.Info("diagnostics complete",
		"total", len(d.results),
		"ok", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)
}

// HasErrors reports whether any check failed.
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}
