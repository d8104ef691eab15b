package intake

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"execbox/internal/common/mq"
	"execbox/internal/coordinator"
	"execbox/internal/pool"
	"execbox/internal/sandbox/profile"
	"execbox/internal/sandbox/result"
	appErr "execbox/pkg/errors"
	"execbox/pkg/utils/logger"

	"go.uber.org/zap"
)

// Executor runs one job to completion.
type Executor interface {
	Execute(ctx context.Context, job coordinator.Job) result.ExecutionResult
}

// Submitter is the worker pool as seen by the intake.
type Submitter interface {
	Submit(ctx context.Context, task pool.Task) error
	Accepting() bool
}

// Metrics counts rejected jobs by code.
type Metrics interface {
	IncJobRejected(code string)
}

// Config wires the service. Producer and Publisher may be nil when Kafka
// is disabled; the queued path is then unavailable.
type Config struct {
	Languages  *profile.Registry
	Validation Validation
	Executor   Executor
	Pool       Submitter
	Ledger     JobLedger
	Publisher  ResultPublisher
	Producer   mq.Producer
	Metrics    Metrics

	// JobTopic receives jobs submitted through Enqueue.
	JobTopic string
	// JobTTL bounds how long an enqueued job may wait before it is rejected.
	JobTTL time.Duration
	Retry  RetryPolicy
}

// Service is the job intake. It is safe for concurrent use.
type Service struct {
	cfg       Config
	validator *Validator
}

// NewService validates cfg and creates the service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Languages == nil {
		return nil, appErr.ValidationError("languages", "required")
	}
	if cfg.Executor == nil {
		return nil, appErr.ValidationError("executor", "required")
	}
	if cfg.Pool == nil {
		return nil, appErr.ValidationError("pool", "required")
	}
	if cfg.Ledger == nil {
		cfg.Ledger = NewMemoryLedger(0)
	}
	return &Service{cfg: cfg, validator: NewValidator(cfg.Validation, cfg.Languages)}, nil
}

// Accepting reports whether a new job would be taken right now.
func (s *Service) Accepting() bool {
	return s.cfg.Pool.Accepting()
}

// LanguageInfo describes one enabled language.
type LanguageInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Compiled   bool   `json:"compiled"`
	SourceFile string `json:"source_file"`
}

// Languages lists the enabled languages.
func (s *Service) Languages() []LanguageInfo {
	enabled := s.cfg.Languages.Enabled()
	out := make([]LanguageInfo, 0, len(enabled))
	for _, spec := range enabled {
		out = append(out, LanguageInfo{
			ID:         string(spec.Language),
			Name:       spec.Name,
			Compiled:   spec.Compiled(),
			SourceFile: spec.SourceFile,
		})
	}
	return out
}

// Status returns the ledger record of a job.
func (s *Service) Status(ctx context.Context, id string) (JobRecord, error) {
	return s.cfg.Ledger.Get(ctx, id)
}

// Execute runs msg synchronously and returns its result. onAccepted, if set,
// is called once the job holds a pool slot or queue position.
func (s *Service) Execute(ctx context.Context, msg JobMessage, onAccepted func(JobRecord)) ResultMessage {
	job, err := s.validator.Validate(msg)
	if err != nil {
		return s.rejection(ctx, msg.ID, msg.Language, err)
	}
	ctx = logger.WithJob(ctx, job.ID, string(job.Language))
	if err := s.reserve(ctx, job.ID); err != nil {
		return s.rejection(ctx, job.ID, string(job.Language), err)
	}

	done := make(chan ResultMessage, 1)
	err = s.dispatch(ctx, job, func(_ context.Context, res ResultMessage) {
		done <- res
	})
	if err != nil {
		if !appErr.Is(err, appErr.DuplicateJob) {
			s.markRejected(ctx, job, err)
		}
		return s.rejection(ctx, job.ID, string(job.Language), err)
	}
	if onAccepted != nil {
		onAccepted(JobRecord{ID: job.ID, State: StateAccepted, Language: string(job.Language)})
	}
	return <-done
}

// Enqueue validates msg and publishes it onto the job topic.
func (s *Service) Enqueue(ctx context.Context, msg JobMessage) (JobRecord, error) {
	if s.cfg.Producer == nil || s.cfg.JobTopic == "" {
		return JobRecord{}, appErr.New(appErr.ServiceUnavailable).WithMessage("job queue is not configured")
	}
	job, err := s.validator.Validate(msg)
	if err != nil {
		s.countRejected(err)
		return JobRecord{}, err
	}
	body, err := json.Marshal(Message(job))
	if err != nil {
		return JobRecord{}, appErr.Wrapf(err, appErr.InternalServerError, "marshal job failed")
	}
	if err := s.reserve(ctx, job.ID); err != nil {
		s.countRejected(err)
		return JobRecord{}, err
	}
	message := mq.NewMessage(body)
	message.ID = job.ID
	message.Expiration = s.cfg.JobTTL
	if err := s.cfg.Producer.Publish(ctx, s.cfg.JobTopic, message); err != nil {
		s.unreserve(ctx, job.ID)
		return JobRecord{}, appErr.Wrapf(err, appErr.QueuePublishFail, "enqueue job failed")
	}

	rec := JobRecord{ID: job.ID, State: StateQueued, Language: string(job.Language)}
	if err := s.cfg.Ledger.Update(ctx, rec); err != nil {
		logger.Warn(ctx, "record queued job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	return rec, nil
}

// HandleMessage consumes one job from the queue. It returns an error only
// when the message should be redelivered.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return nil
	}
	if s.cfg.Publisher == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("result publisher is not configured")
	}
	jobMsg, job, err := s.validator.Decode(msg.Body)
	if err != nil {
		id := jobMsg.ID
		if id == "" {
			id = msg.ID
		}
		s.publishRejection(ctx, id, jobMsg.Language, err)
		return nil
	}
	ctx = logger.WithJob(ctx, job.ID, string(job.Language))

	// The job outlives the subscription context so shutdown drains instead of
	// cancelling; only the message TTL bounds it.
	jobCtx := context.WithoutCancel(ctx)
	if deadline, ok := msg.ExpiresAt(); ok {
		if !time.Now().Before(deadline) {
			expired := appErr.New(appErr.Timeout).WithMessage("job expired before execution")
			s.markRejected(ctx, job, expired)
			s.publishRejection(ctx, job.ID, string(job.Language), expired)
			return nil
		}
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithDeadline(jobCtx, deadline)
		defer cancel()
	}

	finished := make(chan struct{})
	err = s.dispatch(jobCtx, job, func(taskCtx context.Context, res ResultMessage) {
		defer close(finished)
		s.publish(taskCtx, res)
	})
	switch {
	case err == nil:
		<-finished
		return nil
	case appErr.Is(err, appErr.DuplicateJob):
		logger.Info(ctx, "duplicate job skipped", zap.String("message_id", msg.ID))
		return nil
	case appErr.Is(err, appErr.ExecQueueFull):
		rqErr := requeue(ctx, s.cfg.Producer, s.cfg.Retry, msg)
		if rqErr == nil {
			if err := s.cfg.Ledger.Update(ctx, JobRecord{ID: job.ID, State: StateQueued}); err != nil {
				logger.Warn(ctx, "record requeued job failed", zap.Error(err))
			}
			return nil
		}
		if !appErr.Is(rqErr, appErr.ExecQueueFull) {
			return rqErr
		}
		s.markRejected(ctx, job, rqErr)
		s.publishRejection(ctx, job.ID, string(job.Language), rqErr)
		return nil
	default:
		return err
	}
}

// reserve takes the job id for one intake. A reused id is a DuplicateJob
// so that every accepted job yields its own result.
func (s *Service) reserve(ctx context.Context, id string) error {
	ok, err := s.cfg.Ledger.Reserve(ctx, id)
	if err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "job ledger unavailable")
	}
	if !ok {
		return appErr.Newf(appErr.DuplicateJob, "job %s has already been submitted", id)
	}
	return nil
}

func (s *Service) unreserve(ctx context.Context, id string) {
	if err := s.cfg.Ledger.Unreserve(context.WithoutCancel(ctx), id); err != nil {
		logger.Warn(ctx, "release job id failed", zap.String("job_id", id), zap.Error(err))
	}
}

// dispatch claims the job id and submits the job to the pool. deliver runs
// exactly once per successful dispatch.
func (s *Service) dispatch(ctx context.Context, job coordinator.Job, deliver func(context.Context, ResultMessage)) error {
	accepted, err := s.cfg.Ledger.Accept(ctx, JobRecord{ID: job.ID, Language: string(job.Language)})
	if err != nil {
		return appErr.Wrapf(err, appErr.ServiceUnavailable, "job ledger unavailable")
	}
	if !accepted {
		return appErr.Newf(appErr.DuplicateJob, "job %s has already been accepted", job.ID)
	}

	d := &delivery{deliver: deliver}
	task := func(taskCtx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error(taskCtx, "job task panicked", zap.Any("panic", r), zap.Stack("stack"))
				s.finish(taskCtx, d, job, result.Internal(""))
			}
		}()
		s.finish(taskCtx, d, job, s.run(taskCtx, job))
	}
	if err := s.cfg.Pool.Submit(ctx, task); err != nil {
		if fErr := s.cfg.Ledger.Forget(context.WithoutCancel(ctx), job.ID); fErr != nil {
			logger.Warn(ctx, "release job claim failed", zap.Error(fErr))
		}
		return err
	}
	return nil
}

func (s *Service) run(ctx context.Context, job coordinator.Job) result.ExecutionResult {
	if ctx.Err() != nil {
		return result.Cancelled()
	}
	if err := s.cfg.Ledger.Update(ctx, JobRecord{ID: job.ID, State: StateRunning}); err != nil {
		logger.Warn(ctx, "record running job failed", zap.Error(err))
	}
	return s.cfg.Executor.Execute(ctx, job)
}

func (s *Service) finish(ctx context.Context, d *delivery, job coordinator.Job, res result.ExecutionResult) {
	d.once.Do(func() {
		bg := context.WithoutCancel(ctx)
		rec := JobRecord{ID: job.ID, State: StateFinished, Status: string(res.Status)}
		if err := s.cfg.Ledger.Update(bg, rec); err != nil {
			logger.Warn(ctx, "record finished job failed", zap.Error(err))
		}
		d.deliver(bg, Executed(job.ID, string(job.Language), res))
	})
}

type delivery struct {
	once    sync.Once
	deliver func(context.Context, ResultMessage)
}

func (s *Service) publish(ctx context.Context, msg ResultMessage) {
	if err := s.cfg.Publisher.PublishResult(ctx, msg); err != nil {
		logger.Error(ctx, "publish result failed", zap.String("job_id", msg.ID), zap.String("outcome", string(msg.Outcome)), zap.Error(err))
	}
}

func (s *Service) rejection(ctx context.Context, id, language string, err error) ResultMessage {
	s.countRejected(err)
	logger.Warn(ctx, "job rejected", zap.String("job_id", id), zap.Int("code", int(appErr.GetCode(err))), zap.Error(err))
	return Rejected(id, language, err)
}

func (s *Service) publishRejection(ctx context.Context, id, language string, err error) {
	msg := s.rejection(ctx, id, language, err)
	if id == "" {
		logger.Warn(ctx, "rejected message has no id, result dropped")
		return
	}
	s.publish(ctx, msg)
}

func (s *Service) markRejected(ctx context.Context, job coordinator.Job, err error) {
	rec := JobRecord{ID: job.ID, State: StateRejected, Language: string(job.Language), Code: appErr.GetCode(err)}
	if uErr := s.cfg.Ledger.Update(context.WithoutCancel(ctx), rec); uErr != nil {
		logger.Warn(ctx, "record rejected job failed", zap.Error(uErr))
	}
	// The job never ran, so its id may be submitted again.
	s.unreserve(ctx, job.ID)
}

func (s *Service) countRejected(err error) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.IncJobRejected(strconv.Itoa(int(appErr.GetCode(err))))
	}
}
