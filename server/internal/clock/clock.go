// Package clock 抽象时间与定时器，便于在测试中精确控制防抖与超时。
package clock

import "time"

// Clock 提供当前时间与可取消的延时回调。
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer 与 *time.Timer 的 Stop 语义一致：回调尚未触发时返回 true。
type Timer interface {
	Stop() bool
}

// Real 使用系统时间。
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
