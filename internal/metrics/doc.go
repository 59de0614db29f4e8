// Copyright (c) TaskCore Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的指标采集能力，覆盖 HTTP、状态机、
事件总线、审批、注册表扫描、运行准入与数据库。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，所有指标按 namespace 隔离。

# 核心类型

  - Collector：指标收集器，同时实现各业务包声明的观察者接口，
    业务包只依赖自己的接口，不依赖本包。

# 主要能力

  - HTTP 指标：请求总数、耗时、请求/响应体大小，状态码归类为 2xx/3xx/4xx/5xx。
  - 状态机：按 kind/from/to/result 统计转换尝试。
  - 事件总线：按事件类型与投递保证统计发布结果。
  - 审批：按结果统计次数与等待耗时。
  - 注册表：活跃任务数、高负载标记、扫描次数与耗时、升级结果、准入决策。
  - 数据库：连接数 Gauge 与查询耗时 Histogram。
*/
package metrics
