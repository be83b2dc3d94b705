package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"bridgex.com/apps/bridge/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	testWallet = "0x1111111111111111111111111111111111111111"
	testTx     = "0xaaaa000000000000000000000000000000000000000000000000000000000001"
)

// newTestRepo 使用 SQLite 内存数据库，单连接保证所有 goroutine 看到同一个库
func newTestRepo(t *testing.T) (*Repo, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	repo := New(db)
	require.NoError(t, repo.AutoMigrate(context.Background()))
	return repo, db
}

func newDeposit(txHash, account string, amount int64, block uint64) *domain.ProcessedDeposit {
	return &domain.ProcessedDeposit{
		TxHash:            txHash,
		BlockNumber:       block,
		LogIndex:          0,
		ExternalAccountID: account,
		WalletAddress:     testWallet,
		Amount:            decimal.NewFromInt(amount),
		BlockTimestamp:    1700000000,
	}
}

func newPendingWithdrawal(t *testing.T, db *gorm.DB, account string, amount int64, nonce string, expiresAt time.Time) *domain.WithdrawalRequest {
	t.Helper()
	req := &domain.WithdrawalRequest{
		ExternalAccountID: account,
		WalletAddress:     testWallet,
		Amount:            decimal.NewFromInt(amount),
		Nonce:             nonce,
		Status:            domain.WithdrawStatusPending,
		ExpiresAt:         expiresAt,
	}
	require.NoError(t, db.Create(req).Error)
	return req
}

func nonceN(n byte) string {
	b := make([]byte, 64)
	for i := range b {
		b[i] = '0'
	}
	b[63] = '0' + n
	return "0x" + string(b)
}

func TestUpsertProcessedDepositAndCredit(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		dep         *domain.ProcessedDeposit
		wantApplied bool
		wantBalance int64
	}{
		{"首次入账", newDeposit(testTx, "user-1", 500, 10), true, 500},
		{"同一 tx_hash 重复入账不加钱", newDeposit(testTx, "user-1", 500, 10), false, 500},
		{"不同 tx 累加", newDeposit(testTx[:65]+"2", "user-1", 250, 11), true, 750},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			applied, err := repo.UpsertProcessedDepositAndCredit(ctx, tt.dep)
			require.NoError(t, err)
			assert.Equal(t, tt.wantApplied, applied)

			bal, err := repo.GetBalance(ctx, "user-1")
			require.NoError(t, err)
			assert.True(t, bal.Equal(decimal.NewFromInt(tt.wantBalance)), "balance=%s", bal)
		})
	}
}

func TestUpsertProcessedDepositAndCredit_Concurrent(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.UpsertProcessedDepositAndCredit(ctx, newDeposit(testTx, "user-c", 100, 5))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)

	var count int64
	require.NoError(t, db.Model(&domain.ProcessedDeposit{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	bal, err := repo.GetBalance(ctx, "user-c")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(100)), "balance=%s", bal)
}

func TestGetBalance_UnknownAccountIsZero(t *testing.T) {
	repo, _ := newTestRepo(t)

	bal, err := repo.GetBalance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestDebitIfSufficientAndMarkSigned(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	_, err := repo.UpsertProcessedDepositAndCredit(ctx, newDeposit(testTx, "user-w", 500, 1))
	require.NoError(t, err)

	t.Run("余额足够: 扣款并标记 signed", func(t *testing.T) {
		req := newPendingWithdrawal(t, db, "user-w", 300, nonceN(1), past)

		out, err := repo.DebitIfSufficientAndMarkSigned(ctx, req, "0xsig1", time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, domain.DebitSigned, out)

		got, err := repo.GetWithdrawal(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WithdrawStatusSigned, got.Status)
		require.NotNil(t, got.Signature)
		assert.Equal(t, "0xsig1", *got.Signature)
		assert.NotNil(t, got.SignedAt)

		bal, _ := repo.GetBalance(ctx, "user-w")
		assert.True(t, bal.Equal(decimal.NewFromInt(200)), "balance=%s", bal)

		// 再来一次不能重复扣
		out, err = repo.DebitIfSufficientAndMarkSigned(ctx, req, "0xsig1", time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, domain.DebitNotPending, out)
		bal, _ = repo.GetBalance(ctx, "user-w")
		assert.True(t, bal.Equal(decimal.NewFromInt(200)), "balance=%s", bal)
	})

	t.Run("余额不足: 回滚，仍是 pending", func(t *testing.T) {
		req := newPendingWithdrawal(t, db, "user-w", 300, nonceN(2), past)

		out, err := repo.DebitIfSufficientAndMarkSigned(ctx, req, "0xsig2", time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, domain.DebitInsufficient, out)

		got, err := repo.GetWithdrawal(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.WithdrawStatusPending, got.Status)
		assert.Nil(t, got.Signature)

		bal, _ := repo.GetBalance(ctx, "user-w")
		assert.True(t, bal.Equal(decimal.NewFromInt(200)), "balance=%s", bal)
	})

	t.Run("请求内容被改过: 不扣款", func(t *testing.T) {
		req := newPendingWithdrawal(t, db, "user-w", 50, nonceN(3), past)
		stale := *req
		stale.Amount = decimal.NewFromInt(10)

		out, err := repo.DebitIfSufficientAndMarkSigned(ctx, &stale, "0xsig3", time.Now().UTC())
		require.NoError(t, err)
		assert.Equal(t, domain.DebitNotPending, out)

		bal, _ := repo.GetBalance(ctx, "user-w")
		assert.True(t, bal.Equal(decimal.NewFromInt(200)), "balance=%s", bal)
	})
}

func TestDebitIfSufficientAndMarkSigned_ConcurrentNeverOverdraws(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	_, err := repo.UpsertProcessedDepositAndCredit(ctx, newDeposit(testTx, "user-x", 500, 1))
	require.NoError(t, err)

	reqs := []*domain.WithdrawalRequest{
		newPendingWithdrawal(t, db, "user-x", 300, nonceN(1), past),
		newPendingWithdrawal(t, db, "user-x", 300, nonceN(2), past),
	}

	outcomes := make([]domain.DebitOutcome, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *domain.WithdrawalRequest) {
			defer wg.Done()
			out, err := repo.DebitIfSufficientAndMarkSigned(ctx, req, "0xsig", time.Now().UTC())
			assert.NoError(t, err)
			outcomes[i] = out
		}(i, req)
	}
	wg.Wait()

	assert.ElementsMatch(t, []domain.DebitOutcome{domain.DebitSigned, domain.DebitInsufficient}, outcomes)

	bal, err := repo.GetBalance(ctx, "user-x")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(200)), "balance=%s", bal)
}

func TestMarkFailed_OnlyFromPending(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	req := newPendingWithdrawal(t, db, "user-f", 10, nonceN(1), time.Now().UTC())

	ok, err := repo.MarkFailed(ctx, req.ID, "insufficient balance")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkFailed(ctx, req.ID, "again")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := repo.GetWithdrawal(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawStatusFailed, got.Status)
	assert.Equal(t, "insufficient balance", got.FailReason)
}

func TestListEligibleWithdrawals(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := newPendingWithdrawal(t, db, "u", 1, nonceN(1), now.Add(-time.Hour))
	newPendingWithdrawal(t, db, "u", 1, nonceN(2), now.Add(time.Hour)) // 还没过期
	triggered := newPendingWithdrawal(t, db, "u", 1, nonceN(3), now.Add(time.Hour))
	done := newPendingWithdrawal(t, db, "u", 1, nonceN(4), now.Add(-time.Hour))

	ok, err := repo.TriggerWithdrawal(ctx, triggered.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = repo.MarkFailed(ctx, done.ID, "x")
	require.NoError(t, err)

	rows, err := repo.ListEligibleWithdrawals(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, expired.ID, rows[0].ID)
	assert.Equal(t, triggered.ID, rows[1].ID)

	rows, err = repo.ListEligibleWithdrawals(ctx, now, 1)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	// 终态不能再触发
	ok, err = repo.TriggerWithdrawal(ctx, done.ID, now)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.TriggerWithdrawal(ctx, 9999, now)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCursor_MonotonicAndBootstrap(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	cur, err := repo.GetCursor(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur, "第一次运行没有游标")

	max, err := repo.MaxProcessedBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), max)

	_, err = repo.UpsertProcessedDepositAndCredit(ctx, newDeposit(testTx, "u", 1, 77))
	require.NoError(t, err)
	max, err = repo.MaxProcessedBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), max)

	require.NoError(t, repo.SetCursor(ctx, 100, "0xhash100"))
	require.NoError(t, repo.SetCursor(ctx, 100, "0xhash100b"))
	require.NoError(t, repo.SetCursor(ctx, 120, "0xhash120"))

	err = repo.SetCursor(ctx, 90, "0xhash90")
	assert.ErrorIs(t, err, domain.ErrCursorRegression)

	cur, err = repo.GetCursor(ctx)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, uint64(120), cur.LastProcessedBlock)
	assert.Equal(t, "0xhash120", cur.LastBlockHash)
}

func TestRecordSkippedEventAndClaim_Idempotent(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, repo.RecordSkippedEvent(ctx, &domain.SkippedEvent{
			TxHash: testTx, LogIndex: 3, BlockNumber: 9, Reason: "zero amount",
		}))
	}
	events, err := repo.ListSkippedEvents(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "zero amount", events[0].Reason)

	claim := func() *domain.WithdrawalClaim {
		return &domain.WithdrawalClaim{
			TxHash: testTx, LogIndex: 1, WalletAddress: testWallet, Nonce: nonceN(7),
			Amount: decimal.NewFromInt(5), BlockNumber: 9,
		}
	}
	ok, err := repo.RecordWithdrawalClaim(ctx, claim())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.RecordWithdrawalClaim(ctx, claim())
	require.NoError(t, err)
	assert.False(t, ok)

	var count int64
	require.NoError(t, db.Model(&domain.WithdrawalClaim{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	got, err := repo.FindClaim(ctx, testWallet, nonceN(7))
	require.NoError(t, err)
	assert.Equal(t, testTx, got.TxHash)

	_, err = repo.FindClaim(ctx, testWallet, nonceN(8))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFindWithdrawalAndClaim_CaseInsensitive(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	const (
		checksummed = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
		upperNonce  = "0x00000000000000000000000000000000000000000000000000000000000000AB"
		lowerWallet = "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed"
		lowerNonce  = "0x00000000000000000000000000000000000000000000000000000000000000ab"
	)
	req := &domain.WithdrawalRequest{
		ExternalAccountID: "user-cs",
		WalletAddress:     checksummed,
		Amount:            decimal.NewFromInt(5),
		Nonce:             upperNonce,
		Status:            domain.WithdrawStatusPending,
		ExpiresAt:         time.Now().UTC(),
	}
	require.NoError(t, db.Create(req).Error)

	// 链上解码出来是小写
	got, err := repo.FindWithdrawalByNonce(ctx, lowerWallet, lowerNonce)
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)

	_, err = repo.RecordWithdrawalClaim(ctx, &domain.WithdrawalClaim{
		TxHash: testTx, LogIndex: 0, WalletAddress: lowerWallet, Nonce: lowerNonce,
		Amount: decimal.NewFromInt(5), BlockNumber: 3,
	})
	require.NoError(t, err)

	// 状态接口拿请求里的原始写法去查兑付
	claim, err := repo.FindClaim(ctx, checksummed, upperNonce)
	require.NoError(t, err)
	assert.Equal(t, testTx, claim.TxHash)
}

// SQLite 的 NUMERIC 亲和性会把超过 int64 的值存成 REAL，这里只用 float64 能精确表示的金额，
// 验证超过 2^63 时不溢出不截断；逐位精确的运算见 repo_db_test.go (真实 MySQL/Postgres)
func TestLedger_AmountsBeyondInt64(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	big1 := newDeposit(testTx, "user-big", 0, 1)
	big1.Amount = decimal.RequireFromString("1000000000000000000000") // 1000 * 1e18
	big2 := newDeposit(testTx[:65]+"2", "user-big", 0, 2)
	big2.Amount = decimal.RequireFromString("2500000000000000000000")

	for _, dep := range []*domain.ProcessedDeposit{big1, big2} {
		applied, err := repo.UpsertProcessedDepositAndCredit(ctx, dep)
		require.NoError(t, err)
		require.True(t, applied)
	}
	bal, err := repo.GetBalance(ctx, "user-big")
	require.NoError(t, err)
	assert.Equal(t, "3500000000000000000000", bal.String())

	req := newPendingWithdrawal(t, db, "user-big", 0, nonceN(1), past)
	req.Amount = decimal.RequireFromString("1500000000000000000000")
	require.NoError(t, db.Model(req).Update("amount", req.Amount).Error)

	out, err := repo.DebitIfSufficientAndMarkSigned(ctx, req, "0xsig", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, domain.DebitSigned, out)

	bal, err = repo.GetBalance(ctx, "user-big")
	require.NoError(t, err)
	assert.Equal(t, "2000000000000000000000", bal.String())

	// 超过余额的大额提现不能扣
	over := newPendingWithdrawal(t, db, "user-big", 0, nonceN(2), past)
	over.Amount = decimal.RequireFromString("4000000000000000000000")
	require.NoError(t, db.Model(over).Update("amount", over.Amount).Error)
	out, err = repo.DebitIfSufficientAndMarkSigned(ctx, over, "0xsig", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, domain.DebitInsufficient, out)
}
