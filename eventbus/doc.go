// Copyright (c) TaskCore Authors.
// Licensed under the MIT License.

/*
Package eventbus 提供 TaskCore 的类型化发布/订阅事件总线。

# 概述

所有组件（状态机、审批闸门、注册表扫描、编排器）都通过 eventbus 解耦
生产者与消费者。事件采用统一的线格式 Event，Data 字段是以 Type 为标签的
联合类型 Payload，消费者可以按具体类型做穷举匹配。

# 投递语义

  - reliable：投递失败以 *PublishError 的形式同步返回给调用方，且对失败的
    订阅者按配置重试。
  - best-effort：失败只记录日志，不影响调用方。
  - 每个订阅者内部保持发布顺序；跨订阅者不承诺优先级顺序。
  - 至少一次投递，消费者需保证幂等，可借助 Deduper。

# 扩展

RedisMirror 将事件镜像到 Redis Stream，供跨进程消费者读取。
*/
package eventbus
