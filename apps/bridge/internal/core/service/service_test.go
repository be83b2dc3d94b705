package service

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"bridgex.com/apps/bridge/internal/domain"
	"bridgex.com/apps/bridge/internal/infra/ethereum"
	"bridgex.com/apps/bridge/internal/infra/notify"
	"bridgex.com/apps/bridge/internal/infra/persistence"
	"bridgex.com/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	testKey    = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testWallet = "0x1111111111111111111111111111111111111111"
	txA        = "0xaa00000000000000000000000000000000000000000000000000000000000001"
	nonce1     = "0x0000000000000000000000000000000000000000000000000000000000000001"
	nonce2     = "0x0000000000000000000000000000000000000000000000000000000000000002"
)

var chainID = big.NewInt(31337)

func newTestDB(t *testing.T) (*persistence.Repo, *gorm.DB) {
	t.Helper()
	// 使用 SQLite 内存数据库进行测试
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := persistence.New(db)
	require.NoError(t, repo.AutoMigrate(context.Background()))
	return repo, db
}

// recordingNotifier 记录发出的通知
type recordingNotifier struct {
	topics []string
}

func (n *recordingNotifier) Notify(_ context.Context, topic string, _ any) error {
	n.topics = append(n.topics, topic)
	return nil
}

type failingSigner struct{}

func (failingSigner) Sign(common.Address, *big.Int, common.Hash, *big.Int) (string, error) {
	return "", errors.New("hsm unavailable")
}

func (failingSigner) Address() common.Address { return common.Address{} }

func depositEvent(tx, account string, amount int64) *domain.DepositEvent {
	return &domain.DepositEvent{
		WalletAddress:     testWallet,
		ExternalAccountID: account,
		Amount:            big.NewInt(amount),
		TxHash:            tx,
		BlockNumber:       95,
		BlockTimestamp:    1700000000,
	}
}

func createWithdrawal(t *testing.T, db *gorm.DB, account string, amount int64, nonce string) *domain.WithdrawalRequest {
	t.Helper()
	req := &domain.WithdrawalRequest{
		ExternalAccountID: account,
		WalletAddress:     testWallet,
		Amount:            decimal.NewFromInt(amount),
		Nonce:             nonce,
		Status:            domain.WithdrawStatusPending,
		ExpiresAt:         time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, db.Create(req).Error)
	return req
}

func balanceOf(t *testing.T, repo *persistence.Repo, account string) string {
	t.Helper()
	bal, err := repo.GetBalance(context.Background(), account)
	require.NoError(t, err)
	return bal.String()
}

func TestCredit(t *testing.T) {
	repo, db := newTestDB(t)
	n := &recordingNotifier{}
	svc := NewDepositService(repo, n)
	ctx := context.Background()

	tests := []struct {
		name        string
		ev          *domain.DepositEvent
		want        domain.CreditResult
		wantBalance string
	}{
		{"首次入账", depositEvent(txA, "user-1", 500), domain.CreditApplied, "500"},
		{"重放同一笔交易", depositEvent(txA, "user-1", 500), domain.CreditDuplicate, "500"},
		{"账户为空", depositEvent(txA[:65]+"2", "  ", 100), domain.CreditSkipped, "500"},
		{"金额为 0", depositEvent(txA[:65]+"3", "user-1", 0), domain.CreditSkipped, "500"},
		{"tx hash 格式不对", depositEvent("0xdead", "user-1", 1), domain.CreditSkipped, "500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.Credit(ctx, tt.ev)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantBalance, balanceOf(t, repo, "user-1"))
		})
	}

	var skipped int64
	require.NoError(t, db.Model(&domain.SkippedEvent{}).Count(&skipped).Error)
	assert.Equal(t, int64(3), skipped)
	assert.Equal(t, []string{domain.TopicDepositCredited}, n.topics)
}

func TestCredit_AmountWiderThanLedgerColumn(t *testing.T) {
	repo, _ := newTestDB(t)
	svc := NewDepositService(repo, notify.Nop{})

	ev := depositEvent(txA, "user-1", 1)
	ev.Amount = new(big.Int).Exp(big.NewInt(10), big.NewInt(70), nil)

	got, err := svc.Credit(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, domain.CreditSkipped, got)
	assert.Equal(t, "0", balanceOf(t, repo, "user-1"))
}

func TestWithdraw_SignsAndDebits(t *testing.T) {
	repo, db := newTestDB(t)
	signer, err := ethereum.NewSigner(testKey)
	require.NoError(t, err)
	n := &recordingNotifier{}
	ctx := context.Background()

	_, err = NewDepositService(repo, notify.Nop{}).Credit(ctx, depositEvent(txA, "user-1", 500))
	require.NoError(t, err)
	req := createWithdrawal(t, db, "user-1", 300, nonce1)

	svc := NewWithdrawService(repo, signer, chainID, n, 10)
	stats, err := svc.ProcessEligible(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[WithdrawSigned])

	got, err := repo.GetWithdrawal(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawStatusSigned, got.Status)
	require.NotNil(t, got.Signature)
	assert.Equal(t, "200", balanceOf(t, repo, "user-1"))

	ok := signer.VerifyWithdrawal(common.HexToAddress(testWallet), big.NewInt(300), common.HexToHash(nonce1), chainID, *got.Signature)
	assert.True(t, ok, "签名必须能在合约侧验证通过")
	assert.Equal(t, []string{domain.TopicWithdrawalSigned}, n.topics)

	// 再跑一轮: 已是终态，不会再被选中，也不会重复扣
	stats, err = svc.ProcessEligible(ctx)
	require.NoError(t, err)
	assert.Empty(t, stats)
	assert.Equal(t, "200", balanceOf(t, repo, "user-1"))
}

func TestWithdraw_InsufficientBalanceFails(t *testing.T) {
	repo, db := newTestDB(t)
	signer, err := ethereum.NewSigner(testKey)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = NewDepositService(repo, notify.Nop{}).Credit(ctx, depositEvent(txA, "user-1", 200))
	require.NoError(t, err)
	req := createWithdrawal(t, db, "user-1", 300, nonce1)

	n := &recordingNotifier{}
	svc := NewWithdrawService(repo, signer, chainID, n, 10)
	stats, err := svc.ProcessEligible(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[WithdrawFailed])

	got, err := repo.GetWithdrawal(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawStatusFailed, got.Status)
	assert.Equal(t, "insufficient balance", got.FailReason)
	assert.Nil(t, got.Signature)
	assert.Equal(t, "200", balanceOf(t, repo, "user-1"))
	assert.Equal(t, []string{domain.TopicWithdrawalFailed}, n.topics)
}

func TestWithdraw_SignerErrorKeepsPending(t *testing.T) {
	repo, db := newTestDB(t)
	ctx := context.Background()

	_, err := NewDepositService(repo, notify.Nop{}).Credit(ctx, depositEvent(txA, "user-1", 500))
	require.NoError(t, err)
	req := createWithdrawal(t, db, "user-1", 300, nonce1)

	svc := NewWithdrawService(repo, failingSigner{}, chainID, notify.Nop{}, 10)
	stats, err := svc.ProcessEligible(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, stats[WithdrawSignError])

	got, err := repo.GetWithdrawal(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawStatusPending, got.Status)
	assert.Equal(t, "500", balanceOf(t, repo, "user-1"))
}

func TestWithdraw_InvalidRequestFails(t *testing.T) {
	repo, db := newTestDB(t)
	signer, err := ethereum.NewSigner(testKey)
	require.NoError(t, err)
	ctx := context.Background()

	req := createWithdrawal(t, db, "user-1", 10, "0x1234")

	svc := NewWithdrawService(repo, signer, chainID, notify.Nop{}, 10)
	_, err = svc.ProcessEligible(ctx)
	require.NoError(t, err)

	got, err := repo.GetWithdrawal(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawStatusFailed, got.Status)
	assert.Equal(t, "invalid nonce", got.FailReason)
}

func TestWithdraw_TwoRequestsNeverOverdraw(t *testing.T) {
	repo, db := newTestDB(t)
	signer, err := ethereum.NewSigner(testKey)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = NewDepositService(repo, notify.Nop{}).Credit(ctx, depositEvent(txA, "user-1", 500))
	require.NoError(t, err)
	createWithdrawal(t, db, "user-1", 300, nonce1)
	createWithdrawal(t, db, "user-1", 300, nonce2)

	svc := NewWithdrawService(repo, signer, chainID, notify.Nop{}, 10)
	stats, err := svc.ProcessEligible(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[WithdrawSigned])
	assert.Equal(t, 1, stats[WithdrawFailed])
	assert.Equal(t, "200", balanceOf(t, repo, "user-1"))
}

func TestRecordClaim(t *testing.T) {
	repo, db := newTestDB(t)
	signer, err := ethereum.NewSigner(testKey)
	require.NoError(t, err)
	ctx := context.Background()
	svc := NewWithdrawService(repo, signer, chainID, notify.Nop{}, 10)

	createWithdrawal(t, db, "user-1", 300, nonce1)

	claim := func(nonce string) *domain.WithdrawalClaim {
		return &domain.WithdrawalClaim{
			TxHash:        txA,
			LogIndex:      uint(len(nonce) % 7),
			WalletAddress: testWallet,
			Nonce:         nonce,
			Amount:        decimal.NewFromInt(300),
			BlockNumber:   120,
		}
	}

	require.NoError(t, svc.RecordClaim(ctx, claim(nonce1)))
	require.NoError(t, svc.RecordClaim(ctx, claim(nonce1)), "重复事件不报错")

	unknown := claim(nonce2)
	unknown.LogIndex = 9
	require.NoError(t, svc.RecordClaim(ctx, unknown), "未知兑付只告警")

	var count int64
	require.NoError(t, db.Model(&domain.WithdrawalClaim{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	// 兑付不会改请求状态
	got, err := repo.FindWithdrawalByNonce(ctx, testWallet, nonce1)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawStatusPending, got.Status)
}

func TestRecordClaim_ChecksummedRequestMatchesDecodedClaim(t *testing.T) {
	repo, db := newTestDB(t)
	signer, err := ethereum.NewSigner(testKey)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = NewDepositService(repo, notify.Nop{}).Credit(ctx, depositEvent(txA, "user-1", 500))
	require.NoError(t, err)

	// 外部系统写进来的请求: EIP-55 地址 + 大写 nonce
	const (
		checksummed = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
		upperNonce  = "0x00000000000000000000000000000000000000000000000000000000000000AB"
	)
	req := &domain.WithdrawalRequest{
		ExternalAccountID: "user-1",
		WalletAddress:     checksummed,
		Amount:            decimal.NewFromInt(300),
		Nonce:             upperNonce,
		Status:            domain.WithdrawStatusPending,
		ExpiresAt:         time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, db.Create(req).Error)

	svc := NewWithdrawService(repo, signer, chainID, notify.Nop{}, 10)
	stats, err := svc.ProcessEligible(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats[WithdrawSigned])

	core, logs := observer.New(zapcore.InfoLevel)
	prev := logger.Log
	logger.Log = zap.New(core)
	t.Cleanup(func() { logger.Log = prev })

	// 链上解码出来的都是小写
	require.NoError(t, svc.RecordClaim(ctx, &domain.WithdrawalClaim{
		TxHash:        txA,
		LogIndex:      2,
		WalletAddress: strings.ToLower(checksummed),
		Nonce:         strings.ToLower(upperNonce),
		Amount:        decimal.NewFromInt(300),
		BlockNumber:   130,
	}))

	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len(), "正常兑付不能报警")
	assert.Equal(t, 1, logs.FilterMessage("提现已在链上兑付").Len())
}
