package notify_test

import (
	"context"
	"errors"
	"os/exec"
	"sync/atomic"

	"github.com/kubev2v/bot-runner/internal/config"
	"github.com/kubev2v/bot-runner/internal/notify"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sony/gobreaker"
)

type failingMailer struct {
	calls atomic.Int64
}

func (f *failingMailer) Send(context.Context, string, notify.Message) error {
	f.calls.Add(1)
	return errors.New("provider down")
}

var _ = Describe("mailer", func() {
	It("wraps provider failures in a MailError", func() {
		m := notify.NewBreakerMailer("test", &failingMailer{})
		err := m.Send(context.TODO(), "ops@example.com", notify.Message{Subject: "s"})

		var mailErr *notify.MailError
		Expect(errors.As(err, &mailErr)).To(BeTrue())
		Expect(mailErr.To).To(Equal("ops@example.com"))
	})

	It("opens the breaker after repeated failures", func() {
		next := &failingMailer{}
		m := notify.NewBreakerMailer("test", next)
		for range 5 {
			Expect(m.Send(context.TODO(), "ops@example.com", notify.Message{})).NotTo(Succeed())
		}

		Expect(m.State()).To(Equal(gobreaker.StateOpen))
		Expect(next.calls.Load()).To(BeEquivalentTo(3))

		err := m.Send(context.TODO(), "ops@example.com", notify.Message{})
		Expect(errors.Is(err, gobreaker.ErrOpenState)).To(BeTrue())
	})

	DescribeTable("is built from configuration",
		func(provider, domain, key string, wantNil, wantErr bool) {
			cfg := config.NewDefault()
			cfg.Mail.Provider = provider
			cfg.Mail.Domain = domain
			cfg.Mail.APIKey = key

			m, err := notify.NewMailerFromConfig(cfg)
			if wantErr {
				Expect(err).To(HaveOccurred())
				return
			}
			Expect(err).To(BeNil())
			Expect(m == nil).To(Equal(wantNil))
		},
		Entry("disabled", "none", "", "", true, false),
		Entry("log", "log", "", "", false, false),
		Entry("mailgun", "mailgun", "mg.example.com", "key", false, false),
		Entry("mailgun without domain", "mailgun", "", "key", false, true),
		Entry("sendgrid", "sendgrid", "", "key", false, false),
		Entry("sendgrid without key", "sendgrid", "", "", false, true),
		Entry("unknown", "pigeon", "", "", false, true),
	)
})

var _ = Describe("signer", func() {
	BeforeEach(func() {
		if _, err := exec.LookPath("sh"); err != nil {
			Skip("no shell available")
		}
	})

	It("returns what the command prints", func() {
		s, err := notify.NewCommandSigner([]string{"sh", "-c", "printf sig:; cat"}, 0)
		Expect(err).To(BeNil())

		sig, err := s.Sign(context.TODO(), []byte("doc"))
		Expect(err).To(BeNil())
		Expect(string(sig)).To(Equal("sig:doc"))
	})

	It("reports failures as SigningError with stderr", func() {
		s, err := notify.NewCommandSigner([]string{"sh", "-c", "echo no key >&2; exit 3"}, 0)
		Expect(err).To(BeNil())

		_, err = s.Sign(context.TODO(), []byte("doc"))
		var signErr *notify.SigningError
		Expect(errors.As(err, &signErr)).To(BeTrue())
		Expect(signErr.Stderr).To(Equal("no key"))
	})

	It("rejects an empty signature", func() {
		s, err := notify.NewCommandSigner([]string{"sh", "-c", "cat > /dev/null"}, 0)
		Expect(err).To(BeNil())

		_, err = s.Sign(context.TODO(), []byte("doc"))
		Expect(err).To(HaveOccurred())
	})

	It("is disabled without a command", func() {
		s, err := notify.NewSignerFromConfig(config.NewDefault())
		Expect(err).To(BeNil())
		Expect(s).To(BeNil())
	})
})
