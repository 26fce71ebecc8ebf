package strategy

import (
	"fmt"

	talib "github.com/markcheno/go-talib"
)

// Reading 一次信号计算的结果: 短周期与长周期均线的最新值
type Reading struct {
	Short float64
	Long  float64
}

// Signal 根据收盘价序列计算短/长均线。收盘价按时间从旧到新排列。
type Signal interface {
	Evaluate(closes []float64, shortWindow, longWindow int) (Reading, error)
}

// SignalFunc 让普通函数实现 Signal
type SignalFunc func(closes []float64, shortWindow, longWindow int) (Reading, error)

func (f SignalFunc) Evaluate(closes []float64, shortWindow, longWindow int) (Reading, error) {
	return f(closes, shortWindow, longWindow)
}

// MovingAverageCrossover 简单移动平均交叉, 作为默认信号
type MovingAverageCrossover struct{}

func (MovingAverageCrossover) Evaluate(closes []float64, shortWindow, longWindow int) (Reading, error) {
	if shortWindow <= 0 || longWindow <= 0 {
		return Reading{}, fmt.Errorf("均线周期必须为正: short=%d long=%d", shortWindow, longWindow)
	}
	if len(closes) < shortWindow || len(closes) < longWindow {
		return Reading{}, fmt.Errorf("K线数量不足: 有 %d 根, 需要 %d 根", len(closes), max(shortWindow, longWindow))
	}
	return Reading{
		Short: last(talib.Sma(closes, shortWindow)),
		Long:  last(talib.Sma(closes, longWindow)),
	}, nil
}

func last(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return values[len(values)-1]
}
