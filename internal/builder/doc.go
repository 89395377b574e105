// Package builder 聚合模块构建器并提供统一的注册入口。
//
// 构建器作者需要：
//  1. 在 internal/builder/<key>/ 目录下实现 build.Builder；
//  2. 通过本包的 MustRegister 在 init() 中注册元数据与工厂函数；
//  3. 声明构建器使用的键生成器种类，便于 /-/builders 诊断输出。
//
// Resolver 按模块声明的 Builder 字段选择构建器，每个键只实例化一次。
package builder
