// Package auth identifies the caller of an escrow operation from an
// Ethereum personal-message signature over the request.
package auth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	HeaderCaller    = "X-Escrow-Caller"
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"

	// DefaultMaxBody bounds the body read before the signature is checked.
	DefaultMaxBody int64 = 1 << 16
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrCallerMismatch   = errors.New("signature does not belong to the declared caller")
	ErrBodyTooLarge     = errors.New("request body too large")
)

type ctxKey struct{}

// Verifier recovers the signer of each request and stores it as the caller.
// With Insecure set the X-Escrow-Caller header is trusted as is; that mode
// exists for local development only.
type Verifier struct {
	MaxSkew  time.Duration
	Now      func() time.Time
	Insecure bool
	OnReject func(err error)
	// MaxBody overrides DefaultMaxBody.
	MaxBody int64
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := v.verify(w, r)
		if err != nil {
			if v.OnReject != nil {
				v.OnReject(err)
			}
			code := http.StatusUnauthorized
			if errors.Is(err, ErrBodyTooLarge) {
				code = http.StatusRequestEntityTooLarge
			}
			http.Error(w, err.Error(), code)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func (v *Verifier) verify(w http.ResponseWriter, r *http.Request) (common.Address, error) {
	declared := r.Header.Get(HeaderCaller)
	if v.Insecure {
		if !common.IsHexAddress(declared) {
			return common.Address{}, fmt.Errorf("%s header must be an address", HeaderCaller)
		}
		return common.HexToAddress(declared), nil
	}

	sigHex := r.Header.Get(HeaderSignature)
	if sigHex == "" {
		return common.Address{}, ErrMissingSignature
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return common.Address{}, ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return common.Address{}, ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return common.Address{}, ErrStaleTimestamp
	}

	limit := v.MaxBody
	if limit <= 0 {
		limit = DefaultMaxBody
	}
	body, err := readBody(w, r, limit)
	if err != nil {
		return common.Address{}, err
	}

	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	signer, err := Recover(Message(tsHeader, r.Method, r.URL.Path, body), sig)
	if err != nil {
		return common.Address{}, err
	}
	if declared != "" && common.HexToAddress(declared) != signer {
		return common.Address{}, ErrCallerMismatch
	}
	return signer, nil
}

// Message is the text a client signs: timestamp, method and path on the
// first two lines, then the raw body.
func Message(timestamp, method, path string, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(timestamp)
	buf.WriteByte('\n')
	buf.WriteString(strings.ToUpper(method))
	buf.WriteByte(' ')
	buf.WriteString(path)
	buf.WriteByte('\n')
	buf.Write(body)
	return buf.Bytes()
}

// Sign produces a 65-byte personal-message signature with V in {27, 28},
// the form wallets return.
func Sign(key *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that produced sig over msg.
func Recover(msg, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, ctxKey{}, caller)
}

// CallerFrom returns the authenticated caller, or the zero address when the
// request did not pass through the middleware.
func CallerFrom(ctx context.Context) common.Address {
	caller, _ := ctx.Value(ctxKey{}).(common.Address)
	return caller
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, ErrBodyTooLarge
		}
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
