package polymarket

import (
	"context"
	"fmt"
	"strings"
	"time"

	xhttp "UpDownTrader/pkg/http"
)

// OrderSigner turns an unsigned order into an exchange payload. Key material never
// enters this process; the default implementation asks a remote signer.
type OrderSigner interface {
	Sign(ctx context.Context, order MarketOrder) (SignedOrder, error)
}

type signRequest struct {
	Order   MarketOrder `json:"order"`
	ChainID int64       `json:"chain_id"`
	Maker   string      `json:"maker"`
}

// RemoteSigner posts orders to an HTTP signing service at baseURL + "/sign".
type RemoteSigner struct {
	baseURL string
	chainID int64
	maker   string
	client  *xhttp.Client
}

func NewRemoteSigner(baseURL string, chainID int64, maker string, timeout time.Duration, opts ...xhttp.ClientOption) *RemoteSigner {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	opts = append([]xhttp.ClientOption{xhttp.WithTimeout(timeout)}, opts...)
	return &RemoteSigner{
		baseURL: strings.TrimRight(baseURL, "/"),
		chainID: chainID,
		maker:   maker,
		client:  xhttp.NewClient(opts...),
	}
}

func (s *RemoteSigner) Sign(ctx context.Context, order MarketOrder) (SignedOrder, error) {
	var out SignedOrder
	err := s.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method:  xhttp.MethodPost,
		URL:     s.baseURL + "/sign",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    signRequest{Order: order, ChainID: s.chainID, Maker: s.maker},
	}, &out)
	if err != nil {
		return SignedOrder{}, fmt.Errorf("remote sign: %w", err)
	}
	if out.Signature == "" {
		return SignedOrder{}, fmt.Errorf("remote sign: empty signature")
	}
	return out, nil
}
