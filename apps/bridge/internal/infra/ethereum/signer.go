package ethereum

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"bridgex.com/apps/bridge/internal/domain"
	"bridgex.com/pkg/xerr"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer 提现授权签名
// 私钥只存在这个结构体里，不打印、不序列化、不返回
type Signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

var _ domain.Signer = (*Signer)(nil)

func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		// 不把原始输入带进错误信息
		return nil, xerr.New(xerr.Config, "invalid signer private key")
	}
	return &Signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *Signer) Address() common.Address { return s.addr }

func (s *Signer) String() string { return fmt.Sprintf("Signer(%s)", s.addr.Hex()) }

func (s *Signer) GoString() string { return s.String() }

// WithdrawalDigest keccak256(abi.encodePacked(address wallet, uint256 amount, bytes32 nonce, uint256 chainId))
// 合约端用同样的打包方式 + EIP-191 前缀做 ecrecover
func WithdrawalDigest(wallet common.Address, amount *big.Int, nonce common.Hash, chainID *big.Int) (common.Hash, error) {
	if amount == nil || amount.Sign() < 0 || amount.BitLen() > 256 {
		return common.Hash{}, xerr.New(xerr.Malformed, "amount out of uint256 range")
	}
	if chainID == nil || chainID.Sign() <= 0 || chainID.BitLen() > 256 {
		return common.Hash{}, xerr.New(xerr.Malformed, "invalid chain id")
	}
	return crypto.Keccak256Hash(
		wallet.Bytes(),
		common.LeftPadBytes(amount.Bytes(), 32),
		nonce.Bytes(),
		common.LeftPadBytes(chainID.Bytes(), 32),
	), nil
}

// Sign 对提现四元组签名，返回 0x 开头的 65 字节 r||s||v，v 为 27/28
func (s *Signer) Sign(wallet common.Address, amount *big.Int, nonce common.Hash, chainID *big.Int) (string, error) {
	digest, err := WithdrawalDigest(wallet, amount, nonce, chainID)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(accounts.TextHash(digest.Bytes()), s.key)
	if err != nil {
		return "", xerr.Wrap(xerr.ServerCommonError, "sign withdrawal", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// RecoverWithdrawalSigner 从签名恢复出签名地址，和合约里的校验一致
func RecoverWithdrawalSigner(wallet common.Address, amount *big.Int, nonce common.Hash, chainID *big.Int, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, xerr.New(xerr.Malformed, "invalid signature encoding")
	}
	v := sig[crypto.RecoveryIDOffset]
	if v != 27 && v != 28 {
		return common.Address{}, xerr.New(xerr.Malformed, "invalid signature v")
	}
	digest, err := WithdrawalDigest(wallet, amount, nonce, chainID)
	if err != nil {
		return common.Address{}, err
	}

	raw := make([]byte, len(sig))
	copy(raw, sig)
	raw[crypto.RecoveryIDOffset] -= 27

	pub, err := crypto.SigToPub(accounts.TextHash(digest.Bytes()), raw)
	if err != nil {
		return common.Address{}, xerr.Wrap(xerr.Malformed, "recover signer", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyWithdrawal 签名是否由当前 signer 对这四个字段签出
func (s *Signer) VerifyWithdrawal(wallet common.Address, amount *big.Int, nonce common.Hash, chainID *big.Int, signature string) bool {
	addr, err := RecoverWithdrawalSigner(wallet, amount, nonce, chainID, signature)
	return err == nil && addr == s.addr
}
