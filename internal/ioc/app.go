package ioc

import (
	"context"

	"gitee.com/flycash/sequence-platform/internal/domain"
	"gitee.com/flycash/sequence-platform/internal/pkg/idgen"
	retrypkg "gitee.com/flycash/sequence-platform/internal/pkg/retry"
	"gitee.com/flycash/sequence-platform/internal/repository"
	localcache "gitee.com/flycash/sequence-platform/internal/repository/cache/local"
	rediscache "gitee.com/flycash/sequence-platform/internal/repository/cache/redis"
	"gitee.com/flycash/sequence-platform/internal/repository/dao"
	"gitee.com/flycash/sequence-platform/internal/service/channel"
	"gitee.com/flycash/sequence-platform/internal/service/condition"
	"gitee.com/flycash/sequence-platform/internal/service/enrollment"
	"gitee.com/flycash/sequence-platform/internal/service/execution"
	"gitee.com/flycash/sequence-platform/internal/service/hook"
	sequencesvc "gitee.com/flycash/sequence-platform/internal/service/sequence"
	"gitee.com/flycash/sequence-platform/internal/service/template"
	"gitee.com/flycash/sequence-platform/internal/service/timing"

	"github.com/gotomicro/ego/core/econf"
	"github.com/gotomicro/ego/task/ecron"
	gocache "github.com/patrickmn/go-cache"
)

// App 组装完的核心模块。渠道实现、本地Hook和命名渲染器是宿主应用的
// 扩展点，通过各 Registry 注入
type App struct {
	SequenceSvc      *sequencesvc.Service
	EnrollmentEngine *enrollment.Engine
	ExecutionEngine  *execution.Engine
	Worker           *execution.Worker
	HookResolver     hook.Resolver
	HookRegistry     *hook.Registry
	Renderers        *template.Registry
	Dispatcher       *channel.Dispatcher

	Tasks []Task
	Crons []ecron.Ecron
}

func (a *App) StartTasks(ctx context.Context) {
	for _, t := range a.Tasks {
		go func(t Task) {
			t.Start(ctx)
		}(t)
	}
}

// InitApp creds 是凭证库接入点，核心只拿解密后的映射，不碰密文
func InitApp(creds repository.CredentialStore) *App {
	db := InitDB()
	rdb := InitRedisClient()
	dclient := InitDistributedLock(rdb)
	ids := idgen.NewGenerator()

	sequenceRepo := repository.NewSequenceRepository(
		dao.NewSequenceDAO(db),
		localcache.NewCache(gocache.New(gocache.NoExpiration, gocache.NoExpiration)),
		rediscache.NewCache(rdb),
	)
	adapterRepo := repository.NewAdapterRepository(dao.NewAdapterDAO(db), creds)
	hookRepo := repository.NewHookRepository(dao.NewHookDAO(db))
	enrollmentRepo := repository.NewEnrollmentRepository(dao.NewEnrollmentDAO(db, ids))
	executionRepo := repository.NewExecutionRepository(dao.NewExecutionDAO(db, ids))

	timingResolver := timing.NewResolver()
	renderer := template.NewPlaceholderRenderer()
	renderers := template.NewRegistry()
	hookRegistry := hook.NewRegistry()
	hookResolver := hook.NewResolver(hookRegistry, hookRepo, renderer)
	evaluator := condition.NewEvaluator(hookResolver, hookRepo)
	selector := channel.NewSelector(adapterRepo)
	dispatcher := channel.NewDispatcher()
	// 默认全渠道挂console实现，宿主应用按渠道覆盖成真实供应商
	console := channel.NewConsoleChannel()
	for _, ch := range []domain.Channel{domain.ChannelSMS, domain.ChannelEmail, domain.ChannelInApp} {
		dispatcher.Register(ch, console)
	}

	executionEngine := execution.NewEngine(
		executionRepo,
		enrollmentRepo,
		sequenceRepo,
		timingResolver,
		evaluator,
		renderer,
		renderers,
		selector,
		dispatcher,
		initRetryConfig(),
	)
	enrollmentEngine := enrollment.NewEngine(
		enrollmentRepo,
		executionRepo,
		sequenceRepo,
		executionEngine,
		initEnrollmentConfig(),
	)
	worker := execution.NewWorker(executionEngine, enrollmentEngine)

	return &App{
		SequenceSvc:      sequencesvc.NewService(sequenceRepo, adapterRepo, hookRepo, timingResolver),
		EnrollmentEngine: enrollmentEngine,
		ExecutionEngine:  executionEngine,
		Worker:           worker,
		HookResolver:     hookResolver,
		HookRegistry:     hookRegistry,
		Renderers:        renderers,
		Dispatcher:       dispatcher,
		Tasks:            InitTasks(NewWorkerTask(dclient, worker)),
		Crons:            Crons(executionEngine, worker),
	}
}

func initRetryConfig() retrypkg.Config {
	var cfg retrypkg.Config
	if err := econf.UnmarshalKey("executionRetry", &cfg); err != nil || cfg.Type == "" {
		const (
			initialIntervalMS = 60_000
			maxIntervalMS     = 3_600_000
			maxRetries        = 5
		)
		return retrypkg.Config{
			Type: "exponential",
			ExponentialBackoff: &retrypkg.ExponentialBackoffConfig{
				InitialInterval: initialIntervalMS,
				MaxInterval:     maxIntervalMS,
				MaxRetries:      maxRetries,
			},
		}
	}
	return cfg
}

func initEnrollmentConfig() enrollment.Config {
	cfg := enrollment.DefaultConfig()
	type raw struct {
		ShiftScheduleOnResume *bool `yaml:"shiftScheduleOnResume"`
	}
	var r raw
	if err := econf.UnmarshalKey("enrollment", &r); err == nil && r.ShiftScheduleOnResume != nil {
		cfg.ShiftScheduleOnResume = *r.ShiftScheduleOnResume
	}
	return cfg
}
