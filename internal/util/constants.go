package util

const (
	DateFormat = "2006-01-02"
	TimeFormat = "2006-01-02 15:04:05"
)

const (
	StorageLocal = "local"
	StorageMinio = "minio"
	StorageOSS   = "oss"
)

// 作答文件上传相关常量
const (
	MimeImage       = "image/"
	MimeVideo       = "video/"
	MimePDF         = "application/pdf"
	MimeOctetStream = "application/octet-stream"

	MaxAnswerFileSize = 50 << 20
)

// AnswerFileTypes 标注题允许上传的文件类型
var AnswerFileTypes = []string{MimeImage, MimeVideo, MimePDF}

// 标记原因
const (
	FlagExpired      = "Auto-completed (time expired)"
	FlagNoAuthSubmit = "Emergency no-auth submit"
)
