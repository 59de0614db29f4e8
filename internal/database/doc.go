// Copyright (c) TaskCore Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的数据库连接与连接池管理，供 SQL 状态快照
存储使用。

# 核心类型

  - Open / Dialector：按驱动名选择 postgres、mysql 或纯 Go 的 sqlite
    方言并打开连接。
  - PoolManager：连接池管理器，持有 GORM DB 与底层 sql.DB，提供
    DB()、Ping()、CheckHealth()、Stats()、Close()。
  - PoolConfig：最大空闲/打开连接数、连接生命周期、空闲超时与
    健康检查间隔。
  - StatsRecorder：健康检查后接收连接数，metrics.Collector 实现了它。

# 主要能力

  - 健康检查：后台定时 PingContext 探活，Close 时停止。
  - 统计采集：GetStats 返回结构化的连接池运行指标。
*/
package database
