package cv

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"
)

type entry[T any] interface {
	*T
	entryID() string
	setEntryID(string)
}

// listOps 将通用数组操作应用到草稿的某个列表字段
type listOps struct {
	replace   func(d *CVFormData, raw json.RawMessage) error
	add       func(d *CVFormData, raw json.RawMessage) (string, error)
	remove    func(d *CVFormData, id string) bool
	move      func(d *CVFormData, from, to int) error
	length    func(d *CVFormData) int
	assignIDs func(d *CVFormData)
}

func opsFor[T any, P entry[T]](field func(d *CVFormData) *[]T) listOps {
	return listOps{
		replace: func(d *CVFormData, raw json.RawMessage) error {
			var items []T
			if err := json.Unmarshal(raw, &items); err != nil {
				return err
			}
			if items == nil {
				items = []T{}
			}
			ensureID[T, P](items)
			*field(d) = items
			return nil
		},
		add: func(d *CVFormData, raw json.RawMessage) (string, error) {
			var item T
			if err := json.Unmarshal(raw, &item); err != nil {
				return "", err
			}
			p := P(&item)
			if p.entryID() == "" {
				p.setEntryID(uuid.NewString())
			}
			*field(d) = append(slices.Clone(*field(d)), item)
			return p.entryID(), nil
		},
		remove: func(d *CVFormData, id string) bool {
			list := *field(d)
			idx := slices.IndexFunc(list, func(item T) bool {
				return P(&item).entryID() == id
			})
			if idx < 0 {
				return false
			}
			*field(d) = slices.Delete(slices.Clone(list), idx, idx+1)
			return true
		},
		move: func(d *CVFormData, from, to int) error {
			list := *field(d)
			if from < 0 || from >= len(list) || to < 0 || to >= len(list) {
				return fmt.Errorf("move %d -> %d out of range for %d items", from, to, len(list))
			}
			out := slices.Clone(list)
			item := out[from]
			out = slices.Delete(out, from, from+1)
			out = slices.Insert(out, to, item)
			*field(d) = out
			return nil
		},
		length: func(d *CVFormData) int {
			return len(*field(d))
		},
		assignIDs: func(d *CVFormData) {
			ensureID[T, P](*field(d))
		},
	}
}

var workOps = opsFor(func(d *CVFormData) *[]WorkExperience { return &d.WorkExperiences })

// 两个工作经历名称指向同一个切片
var listSections = map[Section]listOps{
	SectionWorkExperiences: workOps,
	SectionWorkExp:         workOps,
	SectionEducation:       opsFor(func(d *CVFormData) *[]Education { return &d.Education }),
	SectionSkills:          opsFor(func(d *CVFormData) *[]Skill { return &d.Skills }),
	SectionLanguages:       opsFor(func(d *CVFormData) *[]Language { return &d.Languages }),
	SectionReferences:      opsFor(func(d *CVFormData) *[]Reference { return &d.References }),
	SectionCertifications:  opsFor(func(d *CVFormData) *[]Certification { return &d.Certifications }),
	SectionProjects:        opsFor(func(d *CVFormData) *[]Project { return &d.Projects }),
	SectionHobbies:         opsFor(func(d *CVFormData) *[]Hobby { return &d.Hobbies }),
	SectionWebsites:        opsFor(func(d *CVFormData) *[]Website { return &d.Websites }),
	SectionAccomplishments: opsFor(func(d *CVFormData) *[]Accomplishment { return &d.Accomplishments }),
}

// ListSections 返回所有列表字段名（含别名），已排序
func ListSections() []Section {
	out := make([]Section, 0, len(listSections))
	for s := range listSections {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsListSection 判断 s 是否为列表字段
func IsListSection(s Section) bool {
	_, ok := listSections[s]
	return ok
}

// SetField 用 JSON 值 raw 替换顶层字段，解码到新值即得到深拷贝；
// 两个工作经历名称都写入同一个切片
func (d *CVFormData) SetField(section Section, raw json.RawMessage) error {
	if section == SectionPersonalInfo {
		var info PersonalInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return &ValidationError{Field: string(section), Message: err.Error()}
		}
		if info == nil {
			info = PersonalInfo{}
		}
		d.PersonalInfo = info
		return nil
	}
	ops, ok := listSections[section]
	if !ok {
		return &ValidationError{Field: string(section), Message: ErrUnknownSection.Error()}
	}
	if err := ops.replace(d, raw); err != nil {
		return &ValidationError{Field: string(section), Message: err.Error()}
	}
	return nil
}

// AddItem 向列表字段追加条目并返回其 id
func (d *CVFormData) AddItem(section Section, raw json.RawMessage) (string, error) {
	ops, ok := listSections[section]
	if !ok {
		return "", &ValidationError{Field: string(section), Message: ErrUnknownSection.Error()}
	}
	id, err := ops.add(d, raw)
	if err != nil {
		return "", &ValidationError{Field: string(section), Message: err.Error()}
	}
	return id, nil
}

// RemoveItem 删除指定 id 的条目，未知 id 不做处理并返回 false
func (d *CVFormData) RemoveItem(section Section, id string) (bool, error) {
	ops, ok := listSections[section]
	if !ok {
		return false, &ValidationError{Field: string(section), Message: ErrUnknownSection.Error()}
	}
	return ops.remove(d, id), nil
}

// MoveItem 将 from 位置的条目移动到 to
func (d *CVFormData) MoveItem(section Section, from, to int) error {
	ops, ok := listSections[section]
	if !ok {
		return &ValidationError{Field: string(section), Message: ErrUnknownSection.Error()}
	}
	if err := ops.move(d, from, to); err != nil {
		return &ValidationError{Field: string(section), Message: err.Error()}
	}
	return nil
}

// Len 返回列表字段的条目数，未知分区返回 -1
func (d *CVFormData) Len(section Section) int {
	ops, ok := listSections[section]
	if !ok {
		return -1
	}
	return ops.length(d)
}
