package service

import (
	"errors"
	"fmt"
)

// 错误分类：执行器根据 Kind 决定"降级兜底"还是"向上传播"。
// Capability/Validation 在 Stage 内部就地吸收（换兜底产物或跳过该单元），
// State/Pipeline 一律上抛，由 Orchestrator 标记项目失败。
type ErrKind int

const (
	ErrKindCapability ErrKind = iota // 外部能力调用失败（网络、配额、响应异常）
	ErrKindValidation                // 结构化响应未通过校验
	ErrKindState                     // 状态存储读写失败，审计链路不可靠
	ErrKindPipeline                  // 阶段级终止性失败（如无任何可拼接片段）
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindCapability:
		return "capability"
	case ErrKindValidation:
		return "validation"
	case ErrKindState:
		return "state"
	case ErrKindPipeline:
		return "pipeline"
	}
	return "unknown"
}

type PipelineError struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func capabilityErr(op string, err error) error {
	return &PipelineError{Kind: ErrKindCapability, Op: op, Err: err}
}

func validationErr(op string, err error) error {
	return &PipelineError{Kind: ErrKindValidation, Op: op, Err: err}
}

func stateErr(op string, err error) error {
	return &PipelineError{Kind: ErrKindState, Op: op, Err: err}
}

func pipelineErr(op string, err error) error {
	return &PipelineError{Kind: ErrKindPipeline, Op: op, Err: err}
}

// IsKind 判断错误链上是否存在指定分类的 PipelineError
func IsKind(err error, kind ErrKind) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind == kind
	}
	return false
}

// recoverable: Capability/Validation 允许 Stage 内部降级
func recoverable(err error) bool {
	return IsKind(err, ErrKindCapability) || IsKind(err, ErrKindValidation)
}
