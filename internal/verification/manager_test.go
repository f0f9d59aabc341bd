package verification

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	apperrors "sealdb/internal/errors"
	"sealdb/internal/shared/testutil"
)

type ManagerSuite struct {
	suite.Suite
	dir     string
	store   *FileStore
	clock   *testutil.FakeClock
	handler *testutil.BufferedSlogHandler
	manager *Manager
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.dir = s.T().TempDir()
	logger, handler := testutil.NewTestLogger(s.T())
	s.handler = handler
	s.store = NewFileStore(filepath.Join(s.dir, "verification_status.json"), logger)
	s.clock = testutil.NewFakeClock(time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC))
	s.manager = NewManager(s.store, logger, WithClock(s.clock.Now))
}

func (s *ManagerSuite) TestGenerateCodeFormat() {
	code, err := s.manager.GenerateCode(context.Background())
	s.Require().NoError(err)
	s.Regexp(regexp.MustCompile(`^[0-9]{6}$`), code)

	record, err := s.store.Load(context.Background())
	s.Require().NoError(err)
	s.Require().NotNil(record.CodeHash)
	s.Equal(*HashCode(code), *record.CodeHash)
	s.Equal(strings.ToUpper(*record.CodeHash), *record.CodeHash)
	s.Len(*record.CodeHash, 64)
	s.True(s.clock.Now().Add(30*time.Minute).Equal(record.ExpiresAt))
	s.False(record.IsVerified)
}

func (s *ManagerSuite) TestGenerateThenVerify() {
	ctx := context.Background()
	code, err := s.manager.GenerateCode(ctx)
	s.Require().NoError(err)

	ok, err := s.manager.VerifyCode(ctx, code)
	s.Require().NoError(err)
	s.True(ok)

	verified, at, err := s.manager.Status(ctx)
	s.Require().NoError(err)
	s.True(verified)
	s.Require().NotNil(at)
	s.True(at.Equal(s.clock.Now()))
	s.True(s.manager.IsVerificationCompleted(ctx))
}

func (s *ManagerSuite) TestVerifyTwiceIsTrueBothTimes() {
	ctx := context.Background()
	code, err := s.manager.GenerateCode(ctx)
	s.Require().NoError(err)

	ok, _ := s.manager.VerifyCode(ctx, code)
	s.True(ok)

	s.clock.Advance(2 * time.Hour)
	ok, err = s.manager.VerifyCode(ctx, "000000")
	s.NoError(err)
	s.True(ok, "verified installations short-circuit")
}

func (s *ManagerSuite) TestVerifyAfterExpiry() {
	ctx := context.Background()
	code, err := s.manager.GenerateCode(ctx)
	s.Require().NoError(err)

	s.clock.Advance(30*time.Minute + time.Second)
	ok, err := s.manager.VerifyCode(ctx, code)
	s.NoError(err)
	s.False(ok)
	s.False(s.manager.IsVerificationCompleted(ctx))
	s.True(s.handler.ContainsMessage("Verification rejected"))
}

func (s *ManagerSuite) TestVerifyAtExactExpiry() {
	ctx := context.Background()
	code, err := s.manager.GenerateCode(ctx)
	s.Require().NoError(err)

	s.clock.Advance(30 * time.Minute)
	ok, err := s.manager.VerifyCode(ctx, code)
	s.NoError(err)
	s.True(ok)
}

func (s *ManagerSuite) TestWrongCode() {
	ctx := context.Background()
	code, err := s.manager.GenerateCode(ctx)
	s.Require().NoError(err)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	ok, err := s.manager.VerifyCode(ctx, wrong)
	s.NoError(err)
	s.False(ok)

	ok, err = s.manager.VerifyCode(ctx, code)
	s.NoError(err)
	s.True(ok, "a wrong guess does not burn the code")
}

func (s *ManagerSuite) TestVerifyWithoutCode() {
	ok, err := s.manager.VerifyCode(context.Background(), "123456")
	s.NoError(err)
	s.False(ok)
}

func (s *ManagerSuite) TestNewCodeReplacesOld() {
	ctx := context.Background()
	first, err := s.manager.GenerateCode(ctx)
	s.Require().NoError(err)
	second, err := s.manager.GenerateCode(ctx)
	s.Require().NoError(err)

	if first != second {
		ok, _ := s.manager.VerifyCode(ctx, first)
		s.False(ok)
	}
	ok, _ := s.manager.VerifyCode(ctx, second)
	s.True(ok)
}

func (s *ManagerSuite) TestResetThenVerify() {
	ctx := context.Background()
	code, err := s.manager.GenerateCode(ctx)
	s.Require().NoError(err)
	ok, _ := s.manager.VerifyCode(ctx, code)
	s.Require().True(ok)

	s.Require().NoError(s.manager.Reset(ctx))

	ok, err = s.manager.VerifyCode(ctx, code)
	s.NoError(err)
	s.False(ok)

	verified, at, err := s.manager.Status(ctx)
	s.NoError(err)
	s.False(verified)
	s.Nil(at)

	record, err := s.store.Load(ctx)
	s.Require().NoError(err)
	s.Nil(record.CodeHash)
	s.True(record.ExpiresAt.IsZero())
}

func (s *ManagerSuite) TestCodeNeverLogged() {
	ctx := context.Background()
	code, err := s.manager.GenerateCode(ctx)
	s.Require().NoError(err)
	_, _ = s.manager.VerifyCode(ctx, code)

	testutil.AssertNoSecrets(s.T(), s.handler, code)
}

type brokenStore struct{}

func (brokenStore) Load(context.Context) (Record, error) { return Record{}, errors.New("disk gone") }
func (brokenStore) Save(context.Context, Record) error   { return errors.New("disk gone") }

func TestLoadErrorMeansNotVerified(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	m := NewManager(brokenStore{}, logger)
	ctx := context.Background()

	assert.False(t, m.IsVerificationCompleted(ctx))

	_, err := m.GenerateCode(ctx)
	var appErr *apperrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, apperrors.ErrTypeVerification, appErr.Type)

	_, _, err = m.Status(ctx)
	assert.Error(t, err)
}

func TestFileStoreCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verification_status.json")
	store := NewFileStore(path, nil)

	record, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultRecord(), record)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"CodeHash":null,"ExpiresAt":"0001-01-01T00:00:00Z","IsVerified":false,"VerifiedAt":null}`, string(data))
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "verification_status.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	logger, _ := testutil.NewTestLogger(t)
	m := NewManager(NewFileStore(path, logger), logger)
	assert.False(t, m.IsVerificationCompleted(context.Background()))
}

func TestHashCode(t *testing.T) {
	assert.Nil(t, HashCode(""))
	h := HashCode("123456")
	require.NotNil(t, h)
	assert.Equal(t, "8D969EEF6ECAD3C29A3A629280E686CF0C3F5D5A86AFF3CA12020C923ADC6C92", *h)
}
