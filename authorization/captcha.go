package authorization

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mojocn/base64Captcha"
)

const (
	defaultCaptchaTTL    = 3 * time.Minute
	defaultCaptchaDigits = 5
	maxPendingCaptchas   = 2048
)

// CaptchaChallenge is one issued captcha image awaiting an answer.
type CaptchaChallenge struct {
	ID          string
	ImageBase64 string
	ExpiresAt   time.Time
}

// CaptchaStore issues digit captchas and verifies submitted answers. Answers
// are single-use; verification consumes the challenge.
type CaptchaStore struct {
	mu     sync.Mutex
	driver *base64Captcha.DriverDigit
	store  base64Captcha.Store
	ttl    time.Duration
}

func NewCaptchaStore(ttl time.Duration) *CaptchaStore {
	return newCaptchaStore(ttl, defaultCaptchaDigits)
}

// NewCaptchaStoreFromEnv builds the store from CAPTCHA_TTL_SECONDS and
// CAPTCHA_DIGITS, falling back to the defaults for unset or invalid values.
func NewCaptchaStoreFromEnv() *CaptchaStore {
	ttl := defaultCaptchaTTL
	if raw := strings.TrimSpace(os.Getenv("CAPTCHA_TTL_SECONDS")); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			ttl = time.Duration(seconds) * time.Second
		}
	}
	digits := defaultCaptchaDigits
	if raw := strings.TrimSpace(os.Getenv("CAPTCHA_DIGITS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 4 && parsed <= 8 {
			digits = parsed
		}
	}
	return newCaptchaStore(ttl, digits)
}

func newCaptchaStore(ttl time.Duration, digits int) *CaptchaStore {
	if ttl <= 0 {
		ttl = defaultCaptchaTTL
	}
	return &CaptchaStore{
		driver: base64Captcha.NewDriverDigit(60, 160, digits, 0.7, 80),
		store:  base64Captcha.NewMemoryStore(maxPendingCaptchas, ttl),
		ttl:    ttl,
	}
}

// Issue generates a new challenge. The image comes back as a data URI ready
// for an <img> tag.
func (s *CaptchaStore) Issue() CaptchaChallenge {
	if s == nil {
		return CaptchaChallenge{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	captcha := base64Captcha.NewCaptcha(s.driver, s.store)
	id, image, _, err := captcha.Generate()
	if err != nil {
		return CaptchaChallenge{}
	}

	imageData := strings.TrimSpace(image)
	if imageData != "" && !strings.HasPrefix(imageData, "data:") {
		imageData = "data:image/png;base64," + imageData
	}

	return CaptchaChallenge{ID: id, ImageBase64: imageData, ExpiresAt: time.Now().Add(s.ttl)}
}

// Verify consumes the challenge and reports whether the answer matched. A nil
// store accepts everything so registration keeps working without captchas.
func (s *CaptchaStore) Verify(id, answer string) bool {
	if s == nil {
		return true
	}

	trimmedID := strings.TrimSpace(id)
	trimmedAnswer := strings.TrimSpace(answer)
	if trimmedID == "" || trimmedAnswer == "" {
		return false
	}

	captcha := base64Captcha.NewCaptcha(s.driver, s.store)
	return captcha.Verify(trimmedID, trimmedAnswer, true)
}
