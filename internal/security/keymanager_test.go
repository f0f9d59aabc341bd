package security

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	apperrors "sealdb/internal/errors"
	"sealdb/internal/shared/testutil"
)

type staticFingerprint struct {
	value string
	err   error
}

func (s *staticFingerprint) Fingerprint(context.Context) (string, error) { return s.value, s.err }

type recordingNotifier struct {
	mu   sync.Mutex
	regs []DeviceRegistration
}

func (r *recordingNotifier) NotifyDeviceRegistered(_ context.Context, reg DeviceRegistration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs = append(r.regs, reg)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regs)
}

type KeyManagerSuite struct {
	suite.Suite
	dir         string
	fingerprint *staticFingerprint
	notifier    *recordingNotifier
	handler     *testutil.BufferedSlogHandler
	clock       *testutil.FakeClock
	manager     *KeyManager
}

func TestKeyManagerSuite(t *testing.T) {
	suite.Run(t, new(KeyManagerSuite))
}

func (s *KeyManagerSuite) SetupTest() {
	s.dir = s.T().TempDir()
	s.fingerprint = &staticFingerprint{value: "CPU-1234VOL-5678"}
	s.notifier = &recordingNotifier{}
	s.clock = testutil.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	s.manager = s.newManager(s.fingerprint)
}

func (s *KeyManagerSuite) newManager(fp Fingerprinter) *KeyManager {
	logger, handler := testutil.NewTestLogger(s.T())
	s.handler = handler
	protector := NewProtector("host", "user")
	store := NewKeyStore(
		NewRegistryStore(filepath.Join(s.dir, "registry.json"), RegistryKeyName),
		NewFileBlobStore(filepath.Join(s.dir, "key_config.dat")),
		protector, logger)
	return NewKeyManager(store, protector, fp,
		filepath.Join(s.dir, "verify.dat"),
		filepath.Join(s.dir, "first_registration.marker"),
		logger,
		WithRegistrationNotifier(s.notifier),
		WithKeyClock(s.clock.Now))
}

func (s *KeyManagerSuite) TestFreshInstallProducesKeyAndOneRegistration() {
	ctx := context.Background()

	key, err := s.manager.GetEncryptionKey(ctx, nil)
	s.Require().NoError(err)
	s.Len(key, 44)

	raw, err := base64.StdEncoding.DecodeString(key)
	s.Require().NoError(err)
	s.Len(raw, 32)

	s.Equal(1, s.notifier.count())
	reg := s.notifier.regs[0]
	s.Equal("CPU-1234VOL-5678", reg.DeviceID)
	s.Equal(key, reg.EncryptionKey)
	s.Nil(reg.Password)
	s.NotEmpty(reg.IPAddress)

	again, err := s.manager.GetEncryptionKey(ctx, nil)
	s.Require().NoError(err)
	s.Equal(key, again)
	s.Equal(1, s.notifier.count(), "only the creating call notifies")
}

func (s *KeyManagerSuite) TestMarkerWrittenOnce() {
	ctx := context.Background()
	_, err := s.manager.GetEncryptionKey(ctx, nil)
	s.Require().NoError(err)

	data, err := os.ReadFile(filepath.Join(s.dir, "first_registration.marker"))
	s.Require().NoError(err)
	s.Equal("2024-03-01T12:00:00Z", string(data))

	st := s.manager.Status(ctx)
	s.True(st.PrimaryStore)
	s.True(st.SecondaryStore)
	s.True(st.Registered)
	s.False(st.PasswordSet)
	s.Require().NotNil(st.RegisteredAt)
	s.True(st.RegisteredAt.Equal(s.clock.Now()))
}

func (s *KeyManagerSuite) TestExistingMarkerSuppressesNotification() {
	s.Require().NoError(os.WriteFile(filepath.Join(s.dir, "first_registration.marker"), []byte("2020-01-01T00:00:00Z"), 0600))

	_, err := s.manager.GetEncryptionKey(context.Background(), nil)
	s.Require().NoError(err)
	s.Equal(0, s.notifier.count())
}

func (s *KeyManagerSuite) TestPasswordChangesKey() {
	ctx := context.Background()
	pw := "correct horse"
	empty := ""

	plain, err := s.manager.GetEncryptionKey(ctx, nil)
	s.Require().NoError(err)
	withEmpty, err := s.manager.GetEncryptionKey(ctx, &empty)
	s.Require().NoError(err)
	withPw, err := s.manager.GetEncryptionKey(ctx, &pw)
	s.Require().NoError(err)

	s.Equal(plain, withEmpty, "empty password behaves like no password")
	s.NotEqual(plain, withPw)
	s.Len(withPw, 44)
}

func (s *KeyManagerSuite) TestKeyIsStableAcrossInstances() {
	ctx := context.Background()
	first, err := s.manager.GetEncryptionKey(ctx, nil)
	s.Require().NoError(err)

	second, err := s.newManager(s.fingerprint).GetEncryptionKey(ctx, nil)
	s.Require().NoError(err)
	s.Equal(first, second)
}

func (s *KeyManagerSuite) TestDifferentMachineDifferentKey() {
	ctx := context.Background()
	first, err := s.manager.GetEncryptionKey(ctx, nil)
	s.Require().NoError(err)

	other, err := s.newManager(&staticFingerprint{value: "CPU-9999VOL-0000"}).GetEncryptionKey(ctx, nil)
	s.Require().NoError(err)
	s.NotEqual(first, other)
}

func (s *KeyManagerSuite) TestFingerprintFailureIsKeyRetrievalError() {
	m := s.newManager(&staticFingerprint{err: errors.New("no hardware")})

	key, err := m.GetEncryptionKey(context.Background(), nil)
	s.Empty(key)
	s.ErrorIs(err, apperrors.ErrKeyRetrievalFailed)
}

func (s *KeyManagerSuite) TestSetAndValidatePassword() {
	ctx := context.Background()

	ok, err := s.manager.ValidatePassword(ctx, "first")
	s.NoError(err)
	s.False(ok, "no password set yet")

	ok, err = s.manager.SetUserPassword(ctx, "first")
	s.Require().NoError(err)
	s.True(ok)

	ok, err = s.manager.ValidatePassword(ctx, "first")
	s.NoError(err)
	s.True(ok)

	ok, err = s.manager.SetUserPassword(ctx, "second")
	s.Require().NoError(err)
	s.True(ok)

	ok, _ = s.manager.ValidatePassword(ctx, "first")
	s.False(ok, "replaced password must no longer validate")
	ok, _ = s.manager.ValidatePassword(ctx, "second")
	s.True(ok)

	s.True(s.manager.Status(ctx).PasswordSet)
}

func (s *KeyManagerSuite) TestBlankPasswordsRejected() {
	ctx := context.Background()

	for _, pw := range []string{"", "   ", "\t\n"} {
		ok, err := s.manager.SetUserPassword(ctx, pw)
		s.NoError(err)
		s.False(ok)

		ok, err = s.manager.ValidatePassword(ctx, pw)
		s.NoError(err)
		s.False(ok)
	}
	s.False(s.manager.Status(ctx).PasswordSet)
}

func (s *KeyManagerSuite) TestNoSecretsLogged() {
	ctx := context.Background()
	pw := "hunter2-password"

	key, err := s.manager.GetEncryptionKey(ctx, &pw)
	s.Require().NoError(err)
	_, err = s.manager.SetUserPassword(ctx, pw)
	s.Require().NoError(err)

	testutil.AssertNoSecrets(s.T(), s.handler, key, pw)
}

func (s *KeyManagerSuite) TestConcurrentFirstUseCreatesOneKey() {
	ctx := context.Background()
	var wg sync.WaitGroup
	keys := make([]string, 8)

	for i := range keys {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, err := s.manager.GetEncryptionKey(ctx, nil)
			s.NoError(err)
			keys[i] = k
		}(i)
	}
	wg.Wait()

	for _, k := range keys[1:] {
		s.Equal(keys[0], k)
	}
	s.Equal(1, s.notifier.count())
}

func TestBindToHardwareDistinguishesFingerprints(t *testing.T) {
	base := bytes.Repeat([]byte{0x42}, BaseKeySize)

	a := BindToHardware(base, "machine-a")
	b := BindToHardware(base, "machine-b")

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, BindToHardware(base, "machine-a"))
}

func TestDeriveKey(t *testing.T) {
	hw := bytes.Repeat([]byte{0x01}, 32)
	pw := "secret"

	noPw := DeriveKey(hw, nil)
	assert.Equal(t, base64.StdEncoding.EncodeToString(hw), noPw)

	withPw := DeriveKey(hw, &pw)
	require.Len(t, withPw, 44)
	assert.NotEqual(t, noPw, withPw)
	assert.Equal(t, withPw, DeriveKey(hw, &pw))
}

func TestVerificationHash(t *testing.T) {
	hw := bytes.Repeat([]byte{0x02}, 32)

	h := VerificationHash("pw", hw)
	assert.Len(t, h, VerificationHashSize)
	assert.Equal(t, h, VerificationHash("pw", hw))
	assert.NotEqual(t, h, VerificationHash("pw2", hw))
	assert.NotEqual(t, h, VerificationHash("pw", bytes.Repeat([]byte{0x03}, 32)))
}

func TestDeferredNotifierHoldsUntilBound(t *testing.T) {
	ctx := context.Background()
	deferred := &DeferredNotifier{}
	target := &recordingNotifier{}

	deferred.NotifyDeviceRegistered(ctx, DeviceRegistration{DeviceID: "early"})
	assert.Equal(t, 0, target.count())

	deferred.Bind(ctx, target)
	require.Equal(t, 1, target.count())
	assert.Equal(t, "early", target.regs[0].DeviceID)

	deferred.NotifyDeviceRegistered(ctx, DeviceRegistration{DeviceID: "late"})
	require.Equal(t, 2, target.count())
	assert.Equal(t, "late", target.regs[1].DeviceID)
}
