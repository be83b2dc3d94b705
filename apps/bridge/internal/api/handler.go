package api

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"bridgex.com/apps/bridge/internal/domain"
	"bridgex.com/pkg/common"
	"bridgex.com/pkg/logger"
	"bridgex.com/pkg/xerr"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var txHashRe = regexp.MustCompile(`^0x[0-9a-f]{64}$`)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Info 启动时确定的静态信息
type Info struct {
	ChainID  string
	Contract string
	Signer   string
}

// Handler 只读状态查询，外加人工触发提现
type Handler struct {
	store  domain.QueryStore
	pinger Pinger
	info   Info
	now    func() time.Time
}

func NewHandler(store domain.QueryStore, pinger Pinger, info Info) *Handler {
	return &Handler{
		store:  store,
		pinger: pinger,
		info:   info,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Healthz 数据库能 ping 通就算健康
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.pinger.Ping(ctx); err != nil {
		logger.Warn(ctx, "healthz: db ping failed", zap.Error(err))
		common.Fail(c, http.StatusServiceUnavailable, xerr.DbError, "database unavailable")
		return
	}
	common.Success(c, gin.H{"status": "ok"})
}

func (h *Handler) Status(c *gin.Context) {
	cur, err := h.store.GetCursor(c.Request.Context())
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, statusResp{
		ChainID:  h.info.ChainID,
		Contract: h.info.Contract,
		Signer:   h.info.Signer,
		Cursor:   toCursor(cur),
	})
}

func (h *Handler) Balance(c *gin.Context) {
	account := c.Param("account")
	if account == "" || len(account) > 128 {
		common.FailErr(c, xerr.New(xerr.RequestParamsError, "invalid account id"))
		return
	}
	bal, err := h.store.GetBalance(c.Request.Context(), account)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, balanceResp{ExternalAccountID: account, Balance: bal.String()})
}

func (h *Handler) Deposit(c *gin.Context) {
	txHash := strings.ToLower(c.Param("txHash"))
	if !txHashRe.MatchString(txHash) {
		common.FailErr(c, xerr.New(xerr.RequestParamsError, "invalid tx hash"))
		return
	}
	dep, err := h.store.GetProcessedDeposit(c.Request.Context(), txHash)
	if err != nil {
		common.FailErr(c, mapNotFound(err, "deposit not found"))
		return
	}
	common.Success(c, toDeposit(dep))
}

// Withdrawal 请求状态，链上已经有 Withdrawn 事件时一起返回
func (h *Handler) Withdrawal(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	req, err := h.store.GetWithdrawal(ctx, id)
	if err != nil {
		common.FailErr(c, mapNotFound(err, "withdrawal not found"))
		return
	}

	var claim *domain.WithdrawalClaim
	if req.Status == domain.WithdrawStatusSigned {
		claim, err = h.store.FindClaim(ctx, req.WalletAddress, req.Nonce)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			common.FailErr(c, err)
			return
		}
	}
	common.Success(c, toWithdrawal(req, claim))
}

// TriggerWithdrawal 不等过期，下一个 tick 就处理
func (h *Handler) TriggerWithdrawal(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	triggered, err := h.store.TriggerWithdrawal(ctx, id, h.now())
	if err != nil {
		common.FailErr(c, mapNotFound(err, "withdrawal not found"))
		return
	}
	if !triggered {
		common.FailErr(c, xerr.New(xerr.Business, "withdrawal is not pending"))
		return
	}
	logger.Info(ctx, "👆 withdrawal triggered manually",
		zap.Int64("id", id),
		zap.String("request_id", common.RequestIDFromGin(c)))
	common.Success(c, gin.H{"id": id, "triggered": true})
}

func (h *Handler) SkippedEvents(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.store.ListSkippedEvents(c.Request.Context(), page, limit)
	if err != nil {
		common.FailErr(c, err)
		return
	}
	common.Success(c, gin.H{"page": page, "items": toSkipped(rows)})
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		common.FailErr(c, xerr.New(xerr.RequestParamsError, "invalid withdrawal id"))
		return 0, false
	}
	return id, true
}

func mapNotFound(err error, msg string) error {
	if errors.Is(err, domain.ErrNotFound) {
		return xerr.Wrap(xerr.RecordNotFound, msg, err)
	}
	return err
}
