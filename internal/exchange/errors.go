package exchange

import (
	"context"
	"errors"
	"net"

	"binance-algo-executor/internal/models"

	"github.com/adshao/go-binance/v2/common"
)

// Classify 将网关调用返回的错误统一转换为 *models.GatewayError。
// 超时映射为 -1007, 其余传输层错误映射为 -1000。
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var gwErr *models.GatewayError
	if errors.As(err, &gwErr) {
		return err
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return &models.GatewayError{Code: int(apiErr.Code), Msg: apiErr.Message}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &models.GatewayError{Code: models.CodeTimeout, Msg: "timeout waiting for response from exchange"}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &models.GatewayError{Code: models.CodeTimeout, Msg: netErr.Error()}
	}

	return &models.GatewayError{Code: models.CodeUnknown, Msg: err.Error()}
}

// IsRetryable 判断错误是否属于可稍后重试的类型 (限流或超时)
func IsRetryable(err error) bool {
	var gwErr *models.GatewayError
	if !errors.As(err, &gwErr) {
		return false
	}
	return gwErr.IsRateLimit() || gwErr.IsTimeout()
}
