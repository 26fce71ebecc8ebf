package models

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrQuantityRoundsToZero = errors.New("quantity rounds to zero at the symbol step size")
	ErrQuantityBelowMinimum = errors.New("quantity below the symbol minimum")
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrDuplicateStrategy    = errors.New("strategy with this name is already running")
	ErrNotFound             = errors.New("not found")
	ErrUnclassified         = errors.New("unclassified error")
)

// 币安错误码
const (
	CodeUnknown         = -1000
	CodeTooManyRequests = -1003
	CodeTimeout         = -1007
	CodeTooManyOrders   = -1015
)

// GatewayError 定义了交易所网关返回的错误信息结构
type GatewayError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// Error 方法使得 GatewayError 实现了 error 接口
func (e *GatewayError) Error() string {
	return fmt.Sprintf("API Error: code=%d, msg=%s", e.Code, e.Msg)
}

func (e *GatewayError) IsRateLimit() bool {
	return e.Code == CodeTooManyRequests || e.Code == CodeTooManyOrders
}

func (e *GatewayError) IsTimeout() bool {
	return e.Code == CodeTimeout
}

// ErrorKind 是错误的分类名称, 用于日志、指标和对外接口
type ErrorKind string

const (
	KindNone                 ErrorKind = ""
	KindInvalidQuantity      ErrorKind = "InvalidQuantity"
	KindQuantityRoundsToZero ErrorKind = "QuantityRoundsToZero"
	KindQuantityBelowMinimum ErrorKind = "QuantityBelowMinimum"
	KindInvalidConfig        ErrorKind = "InvalidConfig"
	KindDuplicateStrategy    ErrorKind = "DuplicateStrategy"
	KindNotFound             ErrorKind = "NotFound"
	KindGateway              ErrorKind = "GatewayError"
	KindUnclassified         ErrorKind = "Unclassified"
)

// KindOf 将任意错误映射到一个错误分类
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var gwErr *GatewayError
	switch {
	case errors.Is(err, ErrInvalidQuantity):
		return KindInvalidQuantity
	case errors.Is(err, ErrQuantityRoundsToZero):
		return KindQuantityRoundsToZero
	case errors.Is(err, ErrQuantityBelowMinimum):
		return KindQuantityBelowMinimum
	case errors.Is(err, ErrInvalidConfig):
		return KindInvalidConfig
	case errors.Is(err, ErrDuplicateStrategy):
		return KindDuplicateStrategy
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.As(err, &gwErr):
		return KindGateway
	default:
		return KindUnclassified
	}
}
