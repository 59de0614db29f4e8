// Copyright (c) TaskCore Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 TaskCore HTTP 控制面的请求处理器实现。

# 概述

handlers 把编排器的任务生命周期、运行准入、信号与人工审批操作暴露为
JSON 端点，路由基于 go-chi。处理器只依赖 TaskService / ApprovalService
接口，*orchestrator.Orchestrator 同时满足两者。

# 核心类型

  - TaskHandler      — 任务提交、启动、转换、暂停/恢复、终止，运行与信号
  - ApprovalHandler  — 审批发起（同步或异步）、响应、取消
  - HealthHandler    — 服务健康检查（/health, /healthz, /ready, /version）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码与字节数

# 错误映射

ToAPIError 把编排层哨兵错误翻译为 types.Error，再由错误码映射 HTTP 状态：
未找到 404，非法转换与重复注册 409，容量与准入超时 429，
审批取消 410，审批超时 504，事件发布失败 502，关闭中 503。
*/
package handlers
