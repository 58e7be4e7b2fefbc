package utils

import (
	"time"
)

var (
	// GlobalLocation 全局配置的时区
	GlobalLocation *time.Location
)

func init() {
	// 默认加载韩国时区（原系统以 KST 为基准运行）
	SetLocation("Asia/Seoul")
}

// SetLocation 设置全局时区
func SetLocation(name string) error {
	loc, err := time.LoadLocation(name)
	if err != nil {
		// 如果加载失败，尝试常见的时区格式
		if name == "UTC+9" || name == "Asia/Seoul" {
			GlobalLocation = time.FixedZone("UTC+9", 9*60*60)
			return nil
		}
		// 如果还是失败，保留原有时区或默认值
		if GlobalLocation == nil {
			GlobalLocation = time.Local
		}
		return err
	}
	GlobalLocation = loc
	return nil
}

// NowKST 获取当前配置时区的时间
func NowKST() time.Time {
	return time.Now().In(GlobalLocation)
}

// NowUTC 获取当前UTC时间
func NowUTC() time.Time {
	return time.Now().UTC()
}

// ToConfiguredTimezone 将时间转换为配置的时区
func ToConfiguredTimezone(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.In(GlobalLocation)
}
