package timing

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gitee.com/flycash/sequence-platform/internal/domain"
	"gitee.com/flycash/sequence-platform/internal/errs"

	"github.com/robfig/cron/v3"
)

// Resolver 调度规则解析器：把声明式规则解析成下一次执行时间
// 定义期调用 Normalize/Validate，运行期只调用 NextRun/Matches
type Resolver struct {
	parser cron.Parser
}

func NewResolver() *Resolver {
	return &Resolver{
		// 支持五字段和六字段（秒可选）的标准表达式
		parser: cron.NewParser(
			cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
		),
	}
}

var (
	everyDayRe     = regexp.MustCompile(`^every day at (\d{1,2}):(\d{2})$`)
	everyWeekdayRe = regexp.MustCompile(`^every (monday|tuesday|wednesday|thursday|friday|saturday|sunday) at (\d{1,2}):(\d{2})$`)
	inDelayRe      = regexp.MustCompile(`^in (\d+) (minute|minutes|hour|hours|day|days|week|weeks)$`)
)

var weekdayNumbers = map[string]int{
	"sunday": 0, "monday": 1, "tuesday": 2, "wednesday": 3,
	"thursday": 4, "friday": 5, "saturday": 6,
}

// Normalize 把人类友好的调度短语归一化成等价的 CRON 或 DELAY 规则
// 标准cron表达式原样通过校验。归一化失败是定义期校验错误
func (r *Resolver) Normalize(raw, timezone string) (domain.TimingSpec, error) {
	phrase := strings.ToLower(strings.TrimSpace(raw))
	if phrase == "" {
		return domain.TimingSpec{}, fmt.Errorf("%w: 空白调度短语", errs.ErrInvalidTimingSpec)
	}

	switch phrase {
	case "@hourly":
		return r.cronSpec("0 * * * *", timezone)
	case "@daily":
		return r.cronSpec("0 0 * * *", timezone)
	case "@weekly":
		return r.cronSpec("0 0 * * 0", timezone)
	}

	if m := everyDayRe.FindStringSubmatch(phrase); m != nil {
		hour, minute, err := parseClock(m[1], m[2])
		if err != nil {
			return domain.TimingSpec{}, err
		}
		return r.cronSpec(fmt.Sprintf("%d %d * * *", minute, hour), timezone)
	}

	if m := everyWeekdayRe.FindStringSubmatch(phrase); m != nil {
		hour, minute, err := parseClock(m[2], m[3])
		if err != nil {
			return domain.TimingSpec{}, err
		}
		return r.cronSpec(fmt.Sprintf("%d %d * * %d", minute, hour, weekdayNumbers[m[1]]), timezone)
	}

	if m := inDelayRe.FindStringSubmatch(phrase); m != nil {
		amount, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || amount <= 0 {
			return domain.TimingSpec{}, fmt.Errorf("%w: 延迟数值必须是正整数 %q", errs.ErrInvalidTimingSpec, m[1])
		}
		spec := domain.TimingSpec{
			Type:        domain.TimingDelay,
			DelayAmount: amount,
			DelayUnit:   domain.DelayUnit(strings.TrimSuffix(m[2], "s")),
		}
		return spec, r.Validate(spec)
	}

	// 不是短语，按标准cron表达式处理
	return r.cronSpec(phrase, timezone)
}

func (r *Resolver) cronSpec(expr, timezone string) (domain.TimingSpec, error) {
	spec := domain.TimingSpec{
		Type:     domain.TimingCron,
		CronExpr: expr,
		Timezone: timezone,
	}
	return spec, r.Validate(spec)
}

// Validate 定义期校验，通过校验的规则运行期解析不会失败
// 例外是时区数据被从运行环境移除，那属于致命配置错误
func (r *Resolver) Validate(spec domain.TimingSpec) error {
	switch spec.Type {
	case domain.TimingImmediate:
		return nil
	case domain.TimingDelay:
		_, err := spec.Delay()
		return err
	case domain.TimingCron:
		if _, err := r.parser.Parse(spec.CronExpr); err != nil {
			return fmt.Errorf("%w: %q: %w", errs.ErrInvalidTimingSpec, spec.CronExpr, err)
		}
		if _, err := loadLocation(spec.Timezone); err != nil {
			return err
		}
		return nil
	case domain.TimingEvent:
		if spec.EventName == "" {
			return fmt.Errorf("%w: EVENT规则缺少事件名", errs.ErrInvalidTimingSpec)
		}
		return nil
	default:
		return fmt.Errorf("%w: 未知规则类型 %q", errs.ErrInvalidTimingSpec, spec.Type)
	}
}

// NextRun 从参考时刻解析下一次执行时间（UTC）
// EVENT 型规则返回 pending=false 的挂起态，由执行引擎在事件到达时创建执行记录
func (r *Resolver) NextRun(spec domain.TimingSpec, ref time.Time) (next time.Time, scheduled bool, err error) {
	switch spec.Type {
	case domain.TimingImmediate:
		return ref.UTC(), true, nil
	case domain.TimingDelay:
		delay, err1 := spec.Delay()
		if err1 != nil {
			return time.Time{}, false, err1
		}
		return ref.Add(delay).UTC(), true, nil
	case domain.TimingCron:
		schedule, err1 := r.parser.Parse(spec.CronExpr)
		if err1 != nil {
			return time.Time{}, false, fmt.Errorf("%w: %q: %w", errs.ErrInvalidTimingSpec, spec.CronExpr, err1)
		}
		loc, err1 := loadLocation(spec.Timezone)
		if err1 != nil {
			return time.Time{}, false, err1
		}
		// 在规则时区里向前推算，跨夏令时由time包处理，存储统一UTC
		return schedule.Next(ref.In(loc)).UTC(), true, nil
	case domain.TimingEvent:
		return time.Time{}, false, nil
	default:
		return time.Time{}, false, fmt.Errorf("%w: 未知规则类型 %q", errs.ErrInvalidTimingSpec, spec.Type)
	}
}

// Matches EVENT 型规则与事件的匹配判定：事件名相等且过滤器是载荷的子集
func (r *Resolver) Matches(event domain.Event, spec domain.TimingSpec) bool {
	if spec.Type != domain.TimingEvent {
		return false
	}
	if event.Name != spec.EventName {
		return false
	}
	for k, want := range spec.EventFilter {
		got, ok := event.Payload[k]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != want {
			return false
		}
	}
	return true
}

func loadLocation(timezone string) (*time.Location, error) {
	if timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		// 不静默降级到UTC，让运维看到配置错误
		return nil, fmt.Errorf("%w: %q: %w", errs.ErrInvalidTimezone, timezone, err)
	}
	return loc, nil
}

func parseClock(hourStr, minuteStr string) (hour, minute int, err error) {
	hour, err = strconv.Atoi(hourStr)
	if err != nil || hour > 23 {
		return 0, 0, fmt.Errorf("%w: 非法小时 %q", errs.ErrInvalidTimingSpec, hourStr)
	}
	minute, err = strconv.Atoi(minuteStr)
	if err != nil || minute > 59 {
		return 0, 0, fmt.Errorf("%w: 非法分钟 %q", errs.ErrInvalidTimingSpec, minuteStr)
	}
	return hour, minute, nil
}
