package dispatch

// levelThresholds[i] is the XP needed to reach level i+1.
var levelThresholds = []int{0, 200, 800, 2400, 6000, 15000, 30000, 60000, 120000, 250000}

var levelTitles = []string{
	"Recruit", "Apprentice", "Practitioner", "Confirmed", "Referent",
	"Expert", "Specialist", "Master at Arms", "Elite Consultant", "Industrial Legend",
}

// LevelForXP returns the level (1-based) reached with xp points.
func LevelForXP(xp int) int {
	level := 1
	for i, min := range levelThresholds {
		if xp >= min {
			level = i + 1
		}
	}
	return level
}

func LevelTitle(level int) string {
	if level < 1 {
		level = 1
	}
	if level > len(levelTitles) {
		level = len(levelTitles)
	}
	return levelTitles[level-1]
}

// Progress reports the XP earned inside the current level and the span of that
// level. At the top level span is zero.
func Progress(xp int) (into, span int) {
	level := LevelForXP(xp)
	floor := levelThresholds[level-1]
	if level == len(levelThresholds) {
		return xp - floor, 0
	}
	return xp - floor, levelThresholds[level] - floor
}
