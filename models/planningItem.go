package models

type PlanningItem struct {
	SyncMeta
	Title string `gorm:"size:255;not null" json:"title"`
	DueAt int64  `gorm:"index" json:"dueAt"`
	Done  bool   `gorm:"default:false" json:"done"`
	Notes string `gorm:"type:text" json:"notes"`
}

func (p *PlanningItem) Meta() *SyncMeta      { return &p.SyncMeta }
func (*PlanningItem) Collection() Collection { return CollectionPlanningItems }
