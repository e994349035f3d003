package ranking

type Description struct {
	Rank  int    `json:"rank"`
	Title string `json:"title"`
}

var descriptions = []Description{
	{Rank: -2, Title: "Факин Боцман"},
	{Rank: -1, Title: "Факин Боцман"},
	{Rank: 0, Title: "Факин Боцман"},
	{Rank: 1, Title: "Фотограф"},
	{Rank: 2, Title: "Актёр"},
	{Rank: 3, Title: "Игрок головой"},
	{Rank: 4, Title: "Голландский штурман"},
	{Rank: 5, Title: "Б Машина"},
	{Rank: 6, Title: "Раздатчик"},
	{Rank: 7, Title: "Бэнг Бэнг"},
	{Rank: 8, Title: "Опорник хайтаба"},
	{Rank: 9, Title: "Паровоз"},
	{Rank: 10, Title: "Паровоз"},
	{Rank: 11, Title: "Паровоз"},
}

func Descriptions() []Description {
	out := make([]Description, len(descriptions))
	copy(out, descriptions)
	return out
}

func Title(rank int) string {
	for _, d := range descriptions {
		if d.Rank == rank {
			return d.Title
		}
	}
	return ""
}
