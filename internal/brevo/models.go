package brevo

import (
	"encoding/json"
	"fmt"
)

// Contact 创建或更新联系人所需的数据，也是发件箱里冻结的快照格式
type Contact struct {
	Email         string                 `json:"email"`
	ListIDs       []int64                `json:"list_ids,omitempty"`
	Attributes    map[string]interface{} `json:"attributes,omitempty"`
	UpdateEnabled bool                   `json:"update_enabled"`
}

// contactRequest POST /contacts 的请求体
type contactRequest struct {
	Email         string                 `json:"email"`
	UpdateEnabled bool                   `json:"updateEnabled"`
	ListIDs       []int64                `json:"listIds,omitempty"`
	Attributes    map[string]interface{} `json:"attributes,omitempty"`
}

// RequestBody 转换为 Brevo 接口格式，空的列表和属性不发送
func (c Contact) RequestBody() ([]byte, error) {
	return json.Marshal(contactRequest{
		Email:         c.Email,
		UpdateEnabled: c.UpdateEnabled,
		ListIDs:       c.ListIDs,
		Attributes:    c.Attributes,
	})
}

// DecodeContact 解析发件箱快照。无法解析或缺少邮箱都属于永久错误，重试没有意义。
func DecodeContact(payload []byte) (Contact, error) {
	var c Contact
	if err := json.Unmarshal(payload, &c); err != nil {
		return Contact{}, &PermanentError{Message: fmt.Sprintf("无法解析联系人快照: %v", err)}
	}
	if c.Email == "" {
		return Contact{}, &PermanentError{Message: "联系人快照缺少 email"}
	}
	return c, nil
}
