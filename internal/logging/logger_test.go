package logging

import (
	"testing"

	"github.com/arenahq/apicore/internal/config"
)

func TestNewAcceptsSupportedLevelsAndFormats(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		for _, format := range []string{"", "json", "text"} {
			logger, err := New(config.LoggingConfig{Level: level, Format: format})
			if err != nil {
				t.Fatalf("level=%q format=%q: %v", level, format, err)
			}
			if logger == nil {
				t.Fatalf("level=%q format=%q: nil logger", level, format)
			}
		}
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New(config.LoggingConfig{Level: "verbose"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(config.LoggingConfig{Format: "xml"}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}
