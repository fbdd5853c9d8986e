package events

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("buffer", func() {
	It("keeps insertion order", func() {
		b := newBuffer()
		for _, l := range []string{"l1", "l2", "l3"} {
			b.PushBack(message{Line: l})
		}
		Expect(b.Size()).To(Equal(3))

		for _, want := range []string{"l1", "l2", "l3"} {
			m, ok := b.Pop()
			Expect(ok).To(BeTrue())
			Expect(m.Line).To(Equal(want))
		}
		Expect(b.Size()).To(BeZero())
		Expect(b.head).To(BeNil())
		Expect(b.tail).To(BeNil())
	})

	It("pops nothing when empty", func() {
		_, ok := newBuffer().Pop()
		Expect(ok).To(BeFalse())
	})

	It("accepts pushes after being emptied", func() {
		b := newBuffer()
		b.PushBack(message{Line: "a"})
		_, _ = b.Pop()
		b.PushBack(message{Line: "b"})

		m, ok := b.Pop()
		Expect(ok).To(BeTrue())
		Expect(m.Line).To(Equal("b"))
	})
})
