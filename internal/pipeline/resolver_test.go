package pipeline_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"voltwatch.dev/energy-monitor/internal/broker"
	"voltwatch.dev/energy-monitor/internal/pipeline"
)

var _ = Describe("ResolveTopic", func() {
	Context("with explicit topic patterns", func() {
		routes := []broker.Route{
			{DeviceID: 1, HardwareAddress: "11111", TopicPattern: "site-a/meters/main", Topic: "site-a/meters/main"},
			{DeviceID: 2, HardwareAddress: "22222", TopicPattern: "site-a/meters/backup", Topic: "site-a/meters/backup"},
		}

		It("should match by exact string equality", func() {
			route, ok := pipeline.ResolveTopic("site-a/meters/main", routes)
			Expect(ok).To(BeTrue())
			Expect(route.DeviceID).To(Equal(uint(1)))
		})

		It("should be case-sensitive", func() {
			_, ok := pipeline.ResolveTopic("Site-A/meters/main", routes)
			Expect(ok).To(BeFalse())
		})

		It("should not expand wildcards", func() {
			withWildcard := []broker.Route{
				{DeviceID: 3, HardwareAddress: "33333", TopicPattern: "site-a/+/main", Topic: "site-a/+/main"},
			}
			_, ok := pipeline.ResolveTopic("site-a/meters/main", withWildcard)
			Expect(ok).To(BeFalse())

			// The literal pattern string itself does match.
			route, ok := pipeline.ResolveTopic("site-a/+/main", withWildcard)
			Expect(ok).To(BeTrue())
			Expect(route.DeviceID).To(Equal(uint(3)))
		})
	})

	Context("with the hardware address heuristic", func() {
		routes := []broker.Route{
			{DeviceID: 1, HardwareAddress: "46542", Topic: "EM/46542"},
			{DeviceID: 2, HardwareAddress: "46543", Topic: "EM/46543"},
		}

		It("should resolve a prefixed topic by its address segment", func() {
			route, ok := pipeline.ResolveTopic("EM/46542", routes)
			Expect(ok).To(BeTrue())
			Expect(route.DeviceID).To(Equal(uint(1)))
		})

		It("should resolve a bare address topic", func() {
			route, ok := pipeline.ResolveTopic("46543", routes)
			Expect(ok).To(BeTrue())
			Expect(route.DeviceID).To(Equal(uint(2)))
		})

		It("should resolve deeper topic hierarchies", func() {
			route, ok := pipeline.ResolveTopic("building-7/EM/46542/data", routes)
			Expect(ok).To(BeTrue())
			Expect(route.DeviceID).To(Equal(uint(1)))
		})

		DescribeTable("should ignore segments that are not five digits",
			func(topic string) {
				_, ok := pipeline.ResolveTopic(topic, routes)
				Expect(ok).To(BeFalse())
			},
			Entry("four digits", "EM/4654"),
			Entry("six digits", "EM/465432"),
			Entry("trailing letter", "EM/4654a"),
			Entry("embedded address", "EM/x46542"),
			Entry("no address at all", "EM/meters"),
		)
	})

	Context("with mixed pattern and heuristic routes", func() {
		routes := []broker.Route{
			{DeviceID: 1, HardwareAddress: "46542", TopicPattern: "EM/46543", Topic: "EM/46543"},
			{DeviceID: 2, HardwareAddress: "46543", Topic: "EM/46543"},
		}

		It("should exhaust the pattern pass before trying the heuristic", func() {
			// Device 1's explicit pattern claims the topic even though device
			// 2's hardware address appears in it.
			route, ok := pipeline.ResolveTopic("EM/46543", routes)
			Expect(ok).To(BeTrue())
			Expect(route.DeviceID).To(Equal(uint(1)))
		})

		It("should not consider pattern routes as heuristic candidates", func() {
			patternOnly := []broker.Route{
				{DeviceID: 1, HardwareAddress: "46542", TopicPattern: "custom/topic", Topic: "custom/topic"},
			}
			_, ok := pipeline.ResolveTopic("EM/46542", patternOnly)
			Expect(ok).To(BeFalse())
		})
	})

	Context("with no routes", func() {
		It("should miss", func() {
			_, ok := pipeline.ResolveTopic("EM/46542", nil)
			Expect(ok).To(BeFalse())
		})
	})
})
