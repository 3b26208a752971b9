package pipeline_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"voltwatch.dev/energy-monitor/internal/pipeline"
)

var _ = Describe("Pipeline Server", func() {
	validConfig := func() *pipeline.ServerConfig {
		return &pipeline.ServerConfig{
			Logger:         testLogger(),
			DBHost:         "localhost",
			DBPort:         5432,
			DBUser:         "test",
			DBPassword:     "password",
			DBName:         "testdb",
			DBSSLMode:      "disable",
			FallbackHost:   "localhost",
			FallbackPort:   1883,
			FallbackPrefix: "EM",
		}
	}

	Describe("NewServer", func() {
		Context("with valid configuration", func() {
			It("should create a server", func() {
				server, err := pipeline.NewServer(validConfig())
				Expect(err).NotTo(HaveOccurred())
				Expect(server).NotTo(BeNil())
			})

			It("should accept an empty fallback broker", func() {
				cfg := validConfig()
				cfg.FallbackHost = ""
				cfg.FallbackPort = 0

				server, err := pipeline.NewServer(cfg)
				Expect(err).NotTo(HaveOccurred())
				Expect(server).NotTo(BeNil())
			})

			It("should accept a disabled metrics listener", func() {
				cfg := validConfig()
				cfg.MetricsPort = 0

				server, err := pipeline.NewServer(cfg)
				Expect(err).NotTo(HaveOccurred())
				Expect(server).NotTo(BeNil())
			})

			It("should accept an empty database password", func() {
				cfg := validConfig()
				cfg.DBPassword = ""

				server, err := pipeline.NewServer(cfg)
				Expect(err).NotTo(HaveOccurred())
				Expect(server).NotTo(BeNil())
			})
		})

		Context("with invalid configuration", func() {
			It("should return error when config is nil", func() {
				server, err := pipeline.NewServer(nil)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("config cannot be nil"))
				Expect(server).To(BeNil())
			})

			It("should return error when logger is nil", func() {
				cfg := validConfig()
				cfg.Logger = nil

				server, err := pipeline.NewServer(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("logger"))
				Expect(server).To(BeNil())
			})

			It("should return error when database host is empty", func() {
				cfg := validConfig()
				cfg.DBHost = ""

				server, err := pipeline.NewServer(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("database host"))
				Expect(server).To(BeNil())
			})

			It("should return error when database port is zero", func() {
				cfg := validConfig()
				cfg.DBPort = 0

				server, err := pipeline.NewServer(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("database port"))
				Expect(server).To(BeNil())
			})

			It("should return error when database port is negative", func() {
				cfg := validConfig()
				cfg.DBPort = -1

				server, err := pipeline.NewServer(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("database port"))
				Expect(server).To(BeNil())
			})

			It("should return error when database user is empty", func() {
				cfg := validConfig()
				cfg.DBUser = ""

				server, err := pipeline.NewServer(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("database user"))
				Expect(server).To(BeNil())
			})

			It("should return error when database name is empty", func() {
				cfg := validConfig()
				cfg.DBName = ""

				server, err := pipeline.NewServer(cfg)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("database name"))
				Expect(server).To(BeNil())
			})
		})
	})

	Describe("Shutdown", func() {
		It("should shut down cleanly with no initialized components", func() {
			server, err := pipeline.NewServer(validConfig())
			Expect(err).NotTo(HaveOccurred())

			Expect(server.Shutdown()).To(Succeed())
		})

		It("should handle multiple shutdown calls", func() {
			server, err := pipeline.NewServer(validConfig())
			Expect(err).NotTo(HaveOccurred())

			Expect(server.Shutdown()).To(Succeed())
			Expect(server.Shutdown()).To(Succeed())
		})
	})
})
