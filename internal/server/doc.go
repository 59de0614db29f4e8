// Copyright (c) TaskCore Authors.
// Licensed under the MIT License.

/*
包 server 提供 HTTP 服务器生命周期管理，支持非阻塞启动、
优雅关闭与关闭钩子。

# 核心类型

  - Manager：HTTP 服务器管理器，持有 http.Server、net.Listener
    与异步错误通道。cmd/taskcore 为 API 与 metrics 各创建一个。
  - Config：监听地址、读写超时、空闲超时、最大请求头大小与
    优雅关闭超时。
  - ShutdownHook：服务器排空后按注册顺序执行，用于关闭编排器、
    事件总线与遥测导出器。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务。
  - 优雅关闭：Shutdown 在 ShutdownTimeout 内排空请求并执行钩子。
  - 等待退出：Wait 在 ctx 结束（通常来自 signal.NotifyContext）
    或服务异常时触发关闭。
  - 状态查询：IsRunning/Addr 返回运行状态与实际监听地址。
*/
package server
