// Copyright (c) TaskCore Authors.
// Licensed under the MIT License.

/*
Package main 提供 TaskCore 服务端程序入口。

# 概述

cmd/taskcore 装配事件总线、状态存储、编排器与 HTTP 控制面，提供
serve、health、version 子命令。程序支持 YAML 配置文件加载、
TASKCORE_ 环境变量覆盖、结构化日志（zap）、Prometheus 指标、
OpenTelemetry 追踪以及配置热重载。

# 核心类型

  - Server      — 主服务器，管理 API 与 Metrics 双端口及优雅关闭
  - Middleware  — HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 存储后端：memory、redis、sql（postgres / mysql / sqlite，经 PoolManager）
  - 事件镜像：可选把总线上的全部事件写入 Redis Stream
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、
    Metrics、RequestLogger、RateLimiter（基于 IP）、APIKeyAuth
  - 配置热重载：日志级别与运行准入即时生效，其余变更提示重启
  - 优雅关闭：信号 → 停止 API → 停止编排器 → 释放存储与连接 → 停止 Metrics
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
