// Package envconfig reads server settings from IMGFX_* environment
// variables. Getters read the environment on every call.
package envconfig

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Brownie44l1/imgfx-api/internal/session"
)

const defaultPort = "8080"

// Host is the listen address. IMGFX_HOST wins; otherwise PORT picks the
// port on all interfaces. Default 0.0.0.0:8080.
func Host() string {
	if s := Var("IMGFX_HOST"); s != "" {
		s = strings.TrimPrefix(strings.TrimPrefix(s, "http://"), "https://")
		host, port, err := net.SplitHostPort(s)
		if err != nil {
			host, port = strings.Trim(s, "[]"), defaultPort
		}
		if !validPort(port) {
			slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
			port = defaultPort
		}
		return net.JoinHostPort(host, port)
	}

	port := Var("PORT")
	if port == "" {
		port = defaultPort
	} else if !validPort(port) {
		slog.Warn("invalid port, using default", "port", port, "default", defaultPort)
		port = defaultPort
	}
	return net.JoinHostPort("0.0.0.0", port)
}

func validPort(p string) bool {
	n, err := strconv.ParseInt(p, 10, 32)
	return err == nil && n >= 0 && n <= 65535
}

// Models is the directory holding the .onnx files. Default ./models.
func Models() string {
	if s := Var("IMGFX_MODELS"); s != "" {
		return s
	}
	return filepath.Join(".", "models")
}

// Backends is the ordered list of backend candidates, e.g.
// IMGFX_BACKENDS="cuda,cpu;cpu".
func Backends() []session.Candidate {
	if s := Var("IMGFX_BACKENDS"); s != "" {
		c, err := session.ParseCandidates(s)
		if err == nil {
			return c
		}
		slog.Warn("invalid IMGFX_BACKENDS, using defaults", "value", s, "error", err)
	}
	return session.DefaultCandidates()
}

// AllowedOrigins for CORS. Empty allows every origin.
func AllowedOrigins() (origins []string) {
	for _, o := range strings.Split(Var("IMGFX_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// LogLevel is DEBUG when IMGFX_DEBUG is truthy.
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("IMGFX_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}
	return level
}

var (
	// ORTLibrary is the onnxruntime shared library path.
	ORTLibrary = String("IMGFX_ORT_LIBRARY")
	// NumThreads limits intra-op threads; 0 lets the runtime decide.
	NumThreads = Uint("IMGFX_NUM_THREADS", 0)
	// DeviceID selects the GPU for accelerated backends.
	DeviceID = Uint("IMGFX_DEVICE_ID", 0)
	// MaxUpload caps image uploads in bytes.
	MaxUpload = Uint64("IMGFX_MAX_UPLOAD", 10<<20)
	// MaxPixels caps the decoded width*height of an upload.
	MaxPixels = Uint64("IMGFX_MAX_PIXELS", 4096*4096)
)

func String(key string) func() string {
	return func() string {
		return Var(key)
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

func Uint64(key string, defaultValue uint64) func() uint64 {
	return func() uint64 {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return n
			}
		}
		return defaultValue
	}
}

// Var returns the variable with surrounding space and quotes removed.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// Values lists the effective settings, for logging at startup.
func Values() map[string]string {
	return map[string]string{
		"IMGFX_HOST":        Host(),
		"IMGFX_MODELS":      Models(),
		"IMGFX_BACKENDS":    fmt.Sprint(Backends()),
		"IMGFX_ORIGINS":     strings.Join(AllowedOrigins(), ","),
		"IMGFX_DEBUG":       LogLevel().String(),
		"IMGFX_ORT_LIBRARY": ORTLibrary(),
		"IMGFX_NUM_THREADS": strconv.FormatUint(uint64(NumThreads()), 10),
		"IMGFX_DEVICE_ID":   strconv.FormatUint(uint64(DeviceID()), 10),
		"IMGFX_MAX_UPLOAD":  strconv.FormatUint(MaxUpload(), 10),
		"IMGFX_MAX_PIXELS":  strconv.FormatUint(MaxPixels(), 10),
	}
}
