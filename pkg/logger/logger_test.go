package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/idleproxy/pkg/logger"
)

var _ = Describe("Logger", func() {
	ctx := context.Background()

	Describe("New", func() {
		It("should create logger with info level", func() {
			log := logger.New("info", false, "dev")
			Expect(log).NotTo(BeNil())
			Expect(log.Enabled(ctx, slog.LevelInfo)).To(BeTrue())
			Expect(log.Enabled(ctx, slog.LevelDebug)).To(BeFalse())
		})

		It("should default to info for invalid level", func() {
			log := logger.New("invalid", false, "dev")
			Expect(log.Enabled(ctx, slog.LevelInfo)).To(BeTrue())
			Expect(log.Enabled(ctx, slog.LevelDebug)).To(BeFalse())
		})

		It("should respect debug level", func() {
			log := logger.New("debug", false, "dev")

			Expect(log.Enabled(ctx, slog.LevelDebug)).To(BeTrue())
			Expect(log.Enabled(ctx, slog.LevelInfo)).To(BeTrue())
		})

		It("should respect warn level", func() {
			log := logger.New("WARN", false, "dev")

			Expect(log.Enabled(ctx, slog.LevelInfo)).To(BeFalse())
			Expect(log.Enabled(ctx, slog.LevelWarn)).To(BeTrue())
		})

		It("should respect error level", func() {
			log := logger.New("error", false, "dev")

			Expect(log.Enabled(ctx, slog.LevelWarn)).To(BeFalse())
			Expect(log.Enabled(ctx, slog.LevelError)).To(BeTrue())
		})
	})

	Describe("NewWriter", func() {
		It("should write JSON records in prod", func() {
			var buf bytes.Buffer
			log := logger.NewWriter(&buf, "info", false, "prod")

			log.Info("Backend started", slog.String("server", "api"))

			var record map[string]any
			Expect(json.Unmarshal(buf.Bytes(), &record)).To(Succeed())
			Expect(record).To(HaveKeyWithValue("msg", "Backend started"))
			Expect(record).To(HaveKeyWithValue("server", "api"))
			Expect(record).To(HaveKeyWithValue("environment", "prod"))
		})

		It("should write text records elsewhere", func() {
			var buf bytes.Buffer
			log := logger.NewWriter(&buf, "info", false, "staging")

			log.Info("Backend idle, stopping")

			Expect(buf.String()).To(ContainSubstring(`msg="Backend idle, stopping"`))
			Expect(buf.String()).To(ContainSubstring("environment=staging"))
		})

		It("should include the source when asked", func() {
			var buf bytes.Buffer
			log := logger.NewWriter(&buf, "info", true, "dev")

			log.Info("hello")

			Expect(buf.String()).To(ContainSubstring("source="))
		})
	})

	Describe("Discard", func() {
		It("should accept records without output", func() {
			Expect(func() { logger.Discard().Error("ignored") }).NotTo(Panic())
		})
	})
})
