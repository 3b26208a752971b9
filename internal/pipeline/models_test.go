package pipeline_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"voltwatch.dev/energy-monitor/internal/pipeline"
)

var _ = Describe("Models", func() {
	Describe("table names", func() {
		It("should map each model to its table", func() {
			Expect(pipeline.Device{}.TableName()).To(Equal("devices"))
			Expect(pipeline.Reading{}.TableName()).To(Equal("readings"))
			Expect(pipeline.Threshold{}.TableName()).To(Equal("thresholds"))
			Expect(pipeline.Alarm{}.TableName()).To(Equal("alarms"))
			Expect(pipeline.ParameterMapping{}.TableName()).To(Equal("parameter_mappings"))
		})
	})

	Describe("ParameterMap", func() {
		Context("Value", func() {
			It("should serialize to JSON", func() {
				p := pipeline.ParameterMap{"v": 230.5, "a": 12}
				value, err := p.Value()
				Expect(err).NotTo(HaveOccurred())
				Expect(value).To(BeAssignableToTypeOf([]byte(nil)))
			})

			It("should serialize a nil map to an empty object", func() {
				var p pipeline.ParameterMap
				value, err := p.Value()
				Expect(err).NotTo(HaveOccurred())
				Expect(value).To(Equal([]byte(`{}`)))
			})
		})

		Context("Scan", func() {
			It("should round-trip through Value", func() {
				original := pipeline.ParameterMap{"v": 230.5, "pf": 0.95}
				value, err := original.Value()
				Expect(err).NotTo(HaveOccurred())

				var scanned pipeline.ParameterMap
				Expect(scanned.Scan(value)).To(Succeed())
				Expect(scanned).To(Equal(original))
			})

			It("should scan from a string column", func() {
				var p pipeline.ParameterMap
				Expect(p.Scan(`{"hz": 50.02}`)).To(Succeed())
				Expect(p).To(HaveKeyWithValue("hz", 50.02))
			})

			It("should scan NULL to an empty map", func() {
				var p pipeline.ParameterMap
				Expect(p.Scan(nil)).To(Succeed())
				Expect(p).NotTo(BeNil())
				Expect(p).To(BeEmpty())
			})

			It("should reject unsupported column types", func() {
				var p pipeline.ParameterMap
				err := p.Scan(42)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("unsupported"))
			})
		})

		Context("GormDataType", func() {
			It("should be jsonb", func() {
				Expect(pipeline.ParameterMap{}.GormDataType()).To(Equal("jsonb"))
			})
		})
	})

	Describe("Threshold.Validate", func() {
		It("should accept a min-only threshold", func() {
			th := pipeline.Threshold{ParameterKey: "v", Min: floatPtr(210)}
			Expect(th.Validate()).To(Succeed())
		})

		It("should accept a max-only threshold", func() {
			th := pipeline.Threshold{ParameterKey: "v", Max: floatPtr(250)}
			Expect(th.Validate()).To(Succeed())
		})

		It("should accept ordered bounds", func() {
			th := pipeline.Threshold{ParameterKey: "v", Min: floatPtr(210), Max: floatPtr(250)}
			Expect(th.Validate()).To(Succeed())
		})

		It("should accept equal bounds", func() {
			th := pipeline.Threshold{ParameterKey: "v", Min: floatPtr(230), Max: floatPtr(230)}
			Expect(th.Validate()).To(Succeed())
		})

		It("should reject a threshold with no bounds", func() {
			th := pipeline.Threshold{ParameterKey: "v"}
			err := th.Validate()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("at least one"))
		})

		It("should reject inverted bounds", func() {
			th := pipeline.Threshold{ParameterKey: "v", Min: floatPtr(250), Max: floatPtr(210)}
			err := th.Validate()
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("must not exceed"))
		})
	})

	Describe("Device", func() {
		It("should initialize with zero values", func() {
			device := pipeline.Device{}
			Expect(device.HardwareAddress).To(BeEmpty())
			Expect(device.IsActive).To(BeFalse())
			Expect(device.BrokerHost).To(BeEmpty())
			Expect(device.LastDataReceived).To(BeNil())
		})

		It("should allow setting broker configuration", func() {
			device := pipeline.Device{
				HardwareAddress: "46542",
				Name:            "Main Incomer",
				Area:            "North Campus",
				Building:        "Building 7",
				Floor:           "2",
				IsActive:        true,
				BrokerHost:      "broker.example.com",
				BrokerPort:      8883,
				UseTLS:          true,
			}

			Expect(device.HardwareAddress).To(HaveLen(pipeline.HardwareAddressLen))
			Expect(device.BrokerHost).To(Equal("broker.example.com"))
			Expect(device.BrokerPort).To(Equal(8883))
			Expect(device.UseTLS).To(BeTrue())
		})
	})
})
