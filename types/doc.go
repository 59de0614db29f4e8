// Copyright (c) TaskCore Authors.
// Licensed under the MIT License.

/*
Package types 提供 TaskCore 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 statemachine、eventbus、
approval、registry、orchestrator 与 api 等上层模块提供统一的类型契约。

# 核心类型

  - Task / TaskKind     — 被端到端跟踪的任务单元（swarm 或 routine）
  - Priority            — low / medium / high / critical 四级优先级
  - Error / ErrorCode   — 结构化错误体系，含 HTTP 状态码与 Retryable 标记

# 主要能力

  - Context 传播：WithTraceID / WithUserID / WithTaskID / WithCorrelationID
  - 错误工具链：NewError / WithCause / GetErrorCode / IsErrorCode / IsRetryable
*/
package types
