package constants

// Redis Key 前缀和格式常量
// 使用统一的命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "funnelsync"

	// JobModulePrefix 批处理任务模块
	JobModulePrefix = "job"

	// EntityLock 分布式锁实体
	EntityLock = "lock"

	// KeyRunLock 单次运行互斥锁 (STRING)
	// 格式: funnelsync:job:lock:{jobName}
	KeyRunLock = AppPrefix + ":" + JobModulePrefix + ":" + EntityLock + ":%s"
)
