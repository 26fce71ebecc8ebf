// Package downloader fetches historical futures klines into CSV files and
// reads them back. Paper mode seeds its synthetic market from these files so
// strategies have candles to work with from the first iteration.
package downloader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"binance-algo-executor/internal/models"

	"github.com/adshao/go-binance/v2/futures"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// 币安单次请求最多返回1500根合约K线
const pageLimit = 1500

var header = []string{"open_time", "open", "high", "low", "close", "volume", "close_time"}

// KlineDownloader 用于从币安合约公共接口下载K线数据
type KlineDownloader struct {
	client *futures.Client
	pause  time.Duration
	logger *zap.Logger
}

// NewKlineDownloader 创建一个新的下载器实例。公共接口不需要 API Key, baseURL 为空时使用默认地址。
func NewKlineDownloader(baseURL string, logger *zap.Logger) *KlineDownloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := futures.NewClient("", "")
	if baseURL != "" {
		client.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &KlineDownloader{client: client, pause: 200 * time.Millisecond, logger: logger}
}

// Download 下载 [start, end) 区间的K线并写入 filePath。文件已存在时直接使用缓存。
func (d *KlineDownloader) Download(ctx context.Context, symbol, interval, filePath string, start, end time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		d.logger.Info("从缓存加载K线数据", zap.String("file", filePath))
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("无法创建目录 %s: %w", filepath.Dir(filePath), err)
	}
	tmp := filePath + ".part"
	file, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("无法创建文件 %s: %w", tmp, err)
	}
	defer os.Remove(tmp)

	n, err := d.fetch(ctx, symbol, interval, start, end, file)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, filePath); err != nil {
		return fmt.Errorf("保存K线文件失败: %w", err)
	}
	d.logger.Info("成功下载K线数据", zap.String("symbol", symbol), zap.Int("klines", n), zap.String("file", filePath))
	return nil
}

func (d *KlineDownloader) fetch(ctx context.Context, symbol, interval string, start, end time.Time, out io.Writer) (int, error) {
	writer := csv.NewWriter(out)
	if err := writer.Write(header); err != nil {
		return 0, fmt.Errorf("写入CSV表头失败: %w", err)
	}

	total := 0
	for t := start; t.Before(end); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(t.UnixMilli()).
			EndTime(end.UnixMilli() - 1).
			Limit(pageLimit).
			Do(ctx)
		if err != nil {
			return total, fmt.Errorf("下载K线数据失败: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			record := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open,
				k.High,
				k.Low,
				k.Close,
				k.Volume,
				strconv.FormatInt(k.CloseTime, 10),
			}
			if err := writer.Write(record); err != nil {
				return total, fmt.Errorf("写入CSV记录失败: %w", err)
			}
		}
		total += len(klines)

		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		d.logger.Debug("已下载K线", zap.String("symbol", symbol), zap.Time("until", t))

		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(d.pause):
		}
	}

	writer.Flush()
	return total, writer.Error()
}

// LoadCSV 读取 Download 写出的K线文件, 按时间从旧到新返回
func LoadCSV(path string) ([]models.Kline, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("无法打开K线文件: %w", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	var klines []models.Kline
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("读取K线文件 %s 失败: %w", path, err)
		}
		if line == 1 && record[0] == header[0] {
			continue
		}
		k, err := parseRecord(record)
		if err != nil {
			return nil, fmt.Errorf("%s 第 %d 行: %w", path, line, err)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

func parseRecord(record []string) (models.Kline, error) {
	if len(record) < 5 {
		return models.Kline{}, fmt.Errorf("字段不足: %d", len(record))
	}
	var (
		k    models.Kline
		errs [6]error
	)
	k.OpenTime, errs[0] = strconv.ParseInt(record[0], 10, 64)
	k.Open, errs[1] = strconv.ParseFloat(record[1], 64)
	k.High, errs[2] = strconv.ParseFloat(record[2], 64)
	k.Low, errs[3] = strconv.ParseFloat(record[3], 64)
	k.Close, errs[4] = strconv.ParseFloat(record[4], 64)
	if len(record) > 5 {
		k.Volume, errs[5] = strconv.ParseFloat(record[5], 64)
	}
	if len(record) > 6 {
		if ct, err := strconv.ParseInt(record[6], 10, 64); err == nil {
			k.CloseTime = ct
		}
	}
	if err := multierr.Combine(errs[:]...); err != nil {
		return models.Kline{}, fmt.Errorf("无法解析K线: %w", err)
	}
	return k, nil
}
