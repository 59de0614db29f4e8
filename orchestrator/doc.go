// Copyright (c) TaskCore Authors.
// Licensed under the MIT License.

/*
Package orchestrator 是任务执行编排核心的组合层。

# 概述

Orchestrator 显式持有（而非全局单例）以下组件，并把它们串联起来：

  - eventbus.Bus：所有组件之间的事件传输
  - statemachine.Machine：每个任务一个
  - registry.Registry 与 registry.Sweeper：活跃任务与周期扫描
  - approval.Gate：人工审批闸门
  - persistence.StateStore：状态快照（可选）

任务提交时创建状态机并登记到注册表；到达终止状态后由 state.changed
监听器注销。运行请求经过按优先级的令牌桶准入，critical 优先级直接放行。

# 生命周期

New 构建实例，Run 启动后台扫描，Shutdown 在宽限期内并发停止所有运行中
的任务并清空注册表。
*/
package orchestrator
