package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"voltwatch.dev/energy-monitor/internal/broker"
	"voltwatch.dev/energy-monitor/internal/pipeline"
)

// fakeRegistry is a Store serving only the device listings the watcher uses.
type fakeRegistry struct {
	fakeStore
	listMu     sync.Mutex
	withConfig []pipeline.Device
	allActive  []pipeline.Device
	listErr    error
}

func (f *fakeRegistry) ListActiveDevicesWithBrokerConfig(_ context.Context) ([]pipeline.Device, error) {
	f.listMu.Lock()
	defer f.listMu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.withConfig, nil
}

func (f *fakeRegistry) ListActiveDevices(_ context.Context) ([]pipeline.Device, error) {
	f.listMu.Lock()
	defer f.listMu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.allActive, nil
}

func (f *fakeRegistry) setWithConfig(devices []pipeline.Device) {
	f.listMu.Lock()
	defer f.listMu.Unlock()
	f.withConfig = devices
}

// fakeManager records Ensure and Teardown calls.
type fakeManager struct {
	mu        sync.Mutex
	conns     map[broker.Key][]broker.Route
	auths     map[broker.Key]broker.Auth
	teardowns []broker.Key
	ensureErr map[broker.Key]error
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		conns:     make(map[broker.Key][]broker.Route),
		auths:     make(map[broker.Key]broker.Auth),
		ensureErr: make(map[broker.Key]error),
	}
}

func (f *fakeManager) Ensure(key broker.Key, auth broker.Auth, routes []broker.Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.ensureErr[key]; ok {
		return err
	}
	f.conns[key] = routes
	f.auths[key] = auth
	return nil
}

func (f *fakeManager) Teardown(key broker.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, key)
	f.teardowns = append(f.teardowns, key)
}

func (f *fakeManager) ActiveKeys() []broker.Key {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]broker.Key, 0, len(f.conns))
	for key := range f.conns {
		keys = append(keys, key)
	}
	return keys
}

func (f *fakeManager) routesFor(key broker.Key) []broker.Route {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[key]
}

var _ = Describe("Watcher", func() {
	var (
		registry *fakeRegistry
		manager  *fakeManager
	)

	newWatcher := func(fallback pipeline.FallbackBroker) *pipeline.Watcher {
		watcher, err := pipeline.NewWatcher(&pipeline.WatcherConfig{
			Logger:   testLogger(),
			Store:    registry,
			Manager:  manager,
			Interval: 10 * time.Millisecond,
			Fallback: fallback,
		})
		Expect(err).NotTo(HaveOccurred())
		return watcher
	}

	BeforeEach(func() {
		registry = &fakeRegistry{}
		manager = newFakeManager()
	})

	Describe("NewWatcher", func() {
		It("should return error when config is nil", func() {
			watcher, err := pipeline.NewWatcher(nil)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("config cannot be nil"))
			Expect(watcher).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			watcher, err := pipeline.NewWatcher(&pipeline.WatcherConfig{
				Store:   registry,
				Manager: manager,
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("logger"))
			Expect(watcher).To(BeNil())
		})

		It("should return error when store is nil", func() {
			watcher, err := pipeline.NewWatcher(&pipeline.WatcherConfig{
				Logger:  testLogger(),
				Manager: manager,
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("store"))
			Expect(watcher).To(BeNil())
		})

		It("should return error when manager is nil", func() {
			watcher, err := pipeline.NewWatcher(&pipeline.WatcherConfig{
				Logger: testLogger(),
				Store:  registry,
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("manager"))
			Expect(watcher).To(BeNil())
		})
	})

	Describe("Reconcile", func() {
		Context("with devices carrying their own broker configuration", func() {
			It("should group devices by broker identity", func() {
				registry.withConfig = []pipeline.Device{
					{ID: 1, HardwareAddress: "11111", IsActive: true, BrokerHost: "broker-a", BrokerPort: 1883},
					{ID: 2, HardwareAddress: "22222", IsActive: true, BrokerHost: "broker-a", BrokerPort: 1883},
					{ID: 3, HardwareAddress: "33333", IsActive: true, BrokerHost: "broker-b", BrokerPort: 1883},
				}

				watcher := newWatcher(pipeline.FallbackBroker{})
				Expect(watcher.Reconcile(context.Background())).To(Succeed())

				Expect(manager.ActiveKeys()).To(HaveLen(2))
				keyA := broker.Key{Host: "broker-a", Port: 1883}
				Expect(manager.routesFor(keyA)).To(HaveLen(2))
			})

			It("should separate connections by username", func() {
				registry.withConfig = []pipeline.Device{
					{ID: 1, HardwareAddress: "11111", IsActive: true, BrokerHost: "broker-a", BrokerPort: 1883, Username: "alpha"},
					{ID: 2, HardwareAddress: "22222", IsActive: true, BrokerHost: "broker-a", BrokerPort: 1883, Username: "beta"},
				}

				watcher := newWatcher(pipeline.FallbackBroker{})
				Expect(watcher.Reconcile(context.Background())).To(Succeed())

				Expect(manager.ActiveKeys()).To(HaveLen(2))
			})

			It("should default the broker port", func() {
				registry.withConfig = []pipeline.Device{
					{ID: 1, HardwareAddress: "11111", IsActive: true, BrokerHost: "broker-a"},
				}

				watcher := newWatcher(pipeline.FallbackBroker{})
				Expect(watcher.Reconcile(context.Background())).To(Succeed())

				key := broker.Key{Host: "broker-a", Port: 1883}
				Expect(manager.routesFor(key)).To(HaveLen(1))
			})

			It("should carry credentials into the connection auth", func() {
				registry.withConfig = []pipeline.Device{
					{ID: 1, HardwareAddress: "11111", IsActive: true, BrokerHost: "broker-a", BrokerPort: 8883, Username: "meter", Password: "secret", UseTLS: true, TLSCACerts: "/etc/certs/ca.pem"},
				}

				watcher := newWatcher(pipeline.FallbackBroker{})
				Expect(watcher.Reconcile(context.Background())).To(Succeed())

				key := broker.Key{Host: "broker-a", Port: 8883, TLS: true, Username: "meter"}
				Expect(manager.auths[key].Password).To(Equal("secret"))
				Expect(manager.auths[key].TLSCACerts).To(Equal("/etc/certs/ca.pem"))
			})
		})

		Context("topic derivation", func() {
			It("should use an explicit pattern as-is", func() {
				registry.withConfig = []pipeline.Device{
					{ID: 1, HardwareAddress: "11111", IsActive: true, BrokerHost: "broker-a", BrokerPort: 1883, TopicPattern: "site/meters/main"},
				}

				watcher := newWatcher(pipeline.FallbackBroker{Prefix: "EM"})
				Expect(watcher.Reconcile(context.Background())).To(Succeed())

				key := broker.Key{Host: "broker-a", Port: 1883}
				routes := manager.routesFor(key)
				Expect(routes).To(HaveLen(1))
				Expect(routes[0].Topic).To(Equal("site/meters/main"))
				Expect(routes[0].TopicPattern).To(Equal("site/meters/main"))
			})

			It("should prefer the device prefix over the global one", func() {
				registry.withConfig = []pipeline.Device{
					{ID: 1, HardwareAddress: "11111", IsActive: true, BrokerHost: "broker-a", BrokerPort: 1883, TopicPrefix: "METERS"},
				}

				watcher := newWatcher(pipeline.FallbackBroker{Prefix: "EM"})
				Expect(watcher.Reconcile(context.Background())).To(Succeed())

				key := broker.Key{Host: "broker-a", Port: 1883}
				Expect(manager.routesFor(key)[0].Topic).To(Equal("METERS/11111"))
			})

			It("should fall back to the global prefix", func() {
				registry.withConfig = []pipeline.Device{
					{ID: 1, HardwareAddress: "11111", IsActive: true, BrokerHost: "broker-a", BrokerPort: 1883},
				}

				watcher := newWatcher(pipeline.FallbackBroker{Prefix: "EM"})
				Expect(watcher.Reconcile(context.Background())).To(Succeed())

				key := broker.Key{Host: "broker-a", Port: 1883}
				Expect(manager.routesFor(key)[0].Topic).To(Equal("EM/11111"))
			})

			It("should use the bare hardware address without any prefix", func() {
				registry.withConfig = []pipeline.Device{
					{ID: 1, HardwareAddress: "11111", IsActive: true, BrokerHost: "broker-a", BrokerPort: 1883},
				}

				watcher := newWatcher(pipeline.FallbackBroker{})
				Expect(watcher.Reconcile(context.Background())).To(Succeed())

				key := broker.Key{Host: "broker-a", Port: 1883}
				Expect(manager.routesFor(key)[0].Topic).To(Equal("11111"))
			})
		})

		Context("with the fallback broker", func() {
			It("should connect all active devices to the fallback when none define a broker", func() {
				registry.allActive = []pipeline.Device{
					{ID: 1, HardwareAddress: "11111", IsActive: true},
					{ID: 2, HardwareAddress: "22222", IsActive: true},
				}

				watcher := newWatcher(pipeline.FallbackBroker{Host: "fallback", Port: 1883, Prefix: "EM"})
				Expect(watcher.Reconcile(context.Background())).To(Succeed())

				key := broker.Key{Host: "fallback", Port: 1883}
				routes := manager.routesFor(key)
				Expect(routes).To(HaveLen(2))
				Expect(routes[0].Topic).To(Equal("EM/11111"))
			})

			It("should ignore the fallback when any device defines its own broker", func() {
				registry.withConfig = []pipeline.Device{
					{ID: 1, HardwareAddress: "11111", IsActive: true, BrokerHost: "broker-a", BrokerPort: 1883},
				}
				registry.allActive = []pipeline.Device{
					{ID: 1, HardwareAddress: "11111", IsActive: true, BrokerHost: "broker-a", BrokerPort: 1883},
					{ID: 2, HardwareAddress: "22222", IsActive: true},
				}

				watcher := newWatcher(pipeline.FallbackBroker{Host: "fallback", Port: 1883})
				Expect(watcher.Reconcile(context.Background())).To(Succeed())

				Expect(manager.ActiveKeys()).To(HaveLen(1))
				Expect(manager.ActiveKeys()[0].Host).To(Equal("broker-a"))
			})

			It("should open no connections without devices or fallback", func() {
				watcher := newWatcher(pipeline.FallbackBroker{})
				Expect(watcher.Reconcile(context.Background())).To(Succeed())
				Expect(manager.ActiveKeys()).To(BeEmpty())
			})

			It("should open no connections when the fallback has no devices", func() {
				watcher := newWatcher(pipeline.FallbackBroker{Host: "fallback", Port: 1883})
				Expect(watcher.Reconcile(context.Background())).To(Succeed())
				Expect(manager.ActiveKeys()).To(BeEmpty())
			})
		})

		Context("teardown of stale connections", func() {
			It("should tear down connections no device references", func() {
				stale := broker.Key{Host: "old-broker", Port: 1883}
				Expect(manager.Ensure(stale, broker.Auth{}, nil)).To(Succeed())

				registry.withConfig = []pipeline.Device{
					{ID: 1, HardwareAddress: "11111", IsActive: true, BrokerHost: "broker-a", BrokerPort: 1883},
				}

				watcher := newWatcher(pipeline.FallbackBroker{})
				Expect(watcher.Reconcile(context.Background())).To(Succeed())

				Expect(manager.teardowns).To(ContainElement(stale))
				Expect(manager.ActiveKeys()).To(HaveLen(1))
			})

			It("should tear down everything when all devices are deactivated", func() {
				registry.withConfig = []pipeline.Device{
					{ID: 1, HardwareAddress: "11111", IsActive: true, BrokerHost: "broker-a", BrokerPort: 1883},
				}
				watcher := newWatcher(pipeline.FallbackBroker{})
				Expect(watcher.Reconcile(context.Background())).To(Succeed())
				Expect(manager.ActiveKeys()).To(HaveLen(1))

				registry.withConfig = nil
				Expect(watcher.Reconcile(context.Background())).To(Succeed())
				Expect(manager.ActiveKeys()).To(BeEmpty())
			})
		})

		Context("error handling", func() {
			It("should propagate listing failures", func() {
				registry.listErr = errors.New("database down")
				watcher := newWatcher(pipeline.FallbackBroker{})
				Expect(watcher.Reconcile(context.Background())).To(HaveOccurred())
			})

			It("should continue past a single broker's ensure failure", func() {
				registry.withConfig = []pipeline.Device{
					{ID: 1, HardwareAddress: "11111", IsActive: true, BrokerHost: "broker-a", BrokerPort: 1883},
					{ID: 2, HardwareAddress: "22222", IsActive: true, BrokerHost: "broker-b", BrokerPort: 1883},
				}
				manager.ensureErr[broker.Key{Host: "broker-a", Port: 1883}] = errors.New("dial failed")

				watcher := newWatcher(pipeline.FallbackBroker{})
				Expect(watcher.Reconcile(context.Background())).To(Succeed())

				Expect(manager.routesFor(broker.Key{Host: "broker-b", Port: 1883})).To(HaveLen(1))
			})
		})
	})

	Describe("Run", func() {
		It("should reconcile immediately and stop on cancellation", func() {
			registry.withConfig = []pipeline.Device{
				{ID: 1, HardwareAddress: "11111", IsActive: true, BrokerHost: "broker-a", BrokerPort: 1883},
			}

			watcher := newWatcher(pipeline.FallbackBroker{})
			ctx, cancel := context.WithCancel(context.Background())

			done := make(chan struct{})
			go func() {
				defer close(done)
				watcher.Run(ctx)
			}()

			Eventually(manager.ActiveKeys).Should(HaveLen(1))

			cancel()
			Eventually(done).Should(BeClosed())
		})

		It("should pick up device changes on later ticks", func() {
			watcher := newWatcher(pipeline.FallbackBroker{})
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			done := make(chan struct{})
			go func() {
				defer close(done)
				watcher.Run(ctx)
			}()

			Consistently(manager.ActiveKeys, 30*time.Millisecond).Should(BeEmpty())

			registry.setWithConfig([]pipeline.Device{
				{ID: 1, HardwareAddress: "11111", IsActive: true, BrokerHost: "broker-a", BrokerPort: 1883},
			})
			Eventually(manager.ActiveKeys).Should(HaveLen(1))

			cancel()
			Eventually(done).Should(BeClosed())
		})
	})
})
