// Package config 提供 MultiQuery 的配置管理。
//
// 配置按 默认值 → YAML 文件 → 环境变量（MULTIQUERY_ 前缀）的顺序叠加。
// Provider 的 API Key 可以通过 api_key_env 从环境变量读取。
// ModelReloader 配合 FileWatcher 在文件变更时热更新 models 段。
package config
