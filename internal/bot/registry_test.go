package bot_test

import (
	"context"
	"errors"
	"iter"

	"github.com/kubev2v/bot-runner/internal/bot"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type nopBot struct{ id string }

func (n *nopBot) Authenticate(context.Context, bot.Credentials) (bool, error) { return true, nil }

func (n *nopBot) LocateTarget(context.Context, bot.Query) iter.Seq2[bot.Result, error] {
	return func(func(bot.Result, error) bool) {}
}

var _ = Describe("registry", func() {
	var registry *bot.Registry

	BeforeEach(func() {
		entries := map[string]bot.Factory{
			"zeta":  func(job bot.Job) (bot.Bot, error) { return &nopBot{id: job.ID}, nil },
			"alpha": func(job bot.Job) (bot.Bot, error) { return &nopBot{id: job.ID}, nil },
		}
		registry = bot.NewRegistry(entries)
		// later changes to the map do not leak into the registry
		entries["late"] = entries["alpha"]
	})

	It("lists variants in order", func() {
		Expect(registry.Names()).To(Equal([]string{"alpha", "zeta"}))
	})

	It("builds a bot for a known variant", func() {
		b, err := registry.New(bot.Job{ID: "ab12cd", Variant: "alpha"})
		Expect(err).To(BeNil())
		Expect(b.(*nopBot).id).To(Equal("ab12cd"))
	})

	It("rejects unknown variants", func() {
		_, err := registry.Lookup("late")
		Expect(errors.Is(err, bot.ErrUnknownVariant)).To(BeTrue())
		Expect(registry.Has("late")).To(BeFalse())
		Expect(registry.Has("zeta")).To(BeTrue())
	})
})
