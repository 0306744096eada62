package github

// GraphQL query document. All operations share this single document; the
// operationName field of the POST body selects one.
// NOTE: keep the response structs below in sync with the document.
const queryDocument = `
fragment RepoBasicFields on Repository {
  id
  nameWithOwner
  isArchived
  isFork
  createdAt
  pushedAt
  stargazerCount
}

query RepoStarsCount($owner: String!, $name: String!) {
  repository(owner: $owner, name: $name) {
    stargazerCount
  }
}

query RepoStarrings($owner: String!, $name: String!, $after: String) {
  repository(owner: $owner, name: $name) {
    stargazers(first: 100, after: $after, orderBy: {field: STARRED_AT, direction: DESC}) {
      pageInfo {
        endCursor
        hasNextPage
      }
      edges {
        starredAt
      }
      nodes {
        id
        login
      }
    }
  }
}

query UserStarredRepos($login: String!, $after: String) {
  user(login: $login) {
    starredRepositories(first: 100, after: $after) {
      totalCount
      edges {
        starredAt
        node {
          ...RepoBasicFields
        }
      }
      pageInfo {
        endCursor
        hasNextPage
      }
    }
  }
}

query UserListStarredRepos($ids: [ID!]!) {
  nodes(ids: $ids) {
    ... on User {
      login
      starredRepositories(first: 100) {
        totalCount
        edges {
          starredAt
          node {
            ...RepoBasicFields
          }
        }
        pageInfo {
          endCursor
          hasNextPage
        }
      }
    }
  }
}

query RepoListDetails($ids: [ID!]!) {
  nodes(ids: $ids) {
    ... on Repository {
      ...RepoBasicFields
      description
      watchers {
        totalCount
      }
      forkCount
      issues {
        totalCount
      }
      pullRequests {
        totalCount
      }
      releases {
        totalCount
      }
      repositoryTopics(first: 20) {
        totalCount
        nodes {
          topic {
            name
          }
        }
      }
      mentionableUsers {
        totalCount
      }
      assignableUsers {
        totalCount
      }
    }
  }
}
`

// PageInfo is the shared cursor envelope of paginated connections.
type PageInfo struct {
	EndCursor   string `json:"endCursor"`
	HasNextPage bool   `json:"hasNextPage"`
}

// TotalCount wraps connections queried only for their size.
type TotalCount struct {
	TotalCount int `json:"totalCount"`
}

// RepoBasic is the minimal repository shape shared by several queries.
type RepoBasic struct {
	ID             string `json:"id"`
	NameWithOwner  string `json:"nameWithOwner"`
	IsArchived     bool   `json:"isArchived"`
	IsFork         bool   `json:"isFork"`
	CreatedAt      string `json:"createdAt"`
	PushedAt       string `json:"pushedAt"`
	StargazerCount int    `json:"stargazerCount"`
}

// RepoStarsCount answers the RepoStarsCount operation.
type RepoStarsCount struct {
	Repository struct {
		StargazerCount int `json:"stargazerCount"`
	} `json:"repository"`
}

// RepoStarrings answers the RepoStarrings operation: one page of users that
// starred a repository, most recent first. Edges and nodes are parallel
// arrays; a missing node usually means a deleted user.
type RepoStarrings struct {
	Repository struct {
		Stargazers struct {
			PageInfo PageInfo `json:"pageInfo"`
			Edges    []*struct {
				StarredAt string `json:"starredAt"`
			} `json:"edges"`
			Nodes []*struct {
				ID    string `json:"id"`
				Login string `json:"login"`
			} `json:"nodes"`
		} `json:"stargazers"`
	} `json:"repository"`
}

// StarredRepoEdge is one (starredAt, repo) pair of a user's starred list.
type StarredRepoEdge struct {
	StarredAt string    `json:"starredAt"`
	Node      RepoBasic `json:"node"`
}

// StarredRepos is the starredRepositories connection shared by the
// single-user and user-list operations.
type StarredRepos struct {
	TotalCount int               `json:"totalCount"`
	Edges      []StarredRepoEdge `json:"edges"`
	PageInfo   PageInfo          `json:"pageInfo"`
}

// UserStarredRepos answers the UserStarredRepos operation.
type UserStarredRepos struct {
	User struct {
		StarredRepositories StarredRepos `json:"starredRepositories"`
	} `json:"user"`
}

// UserStarredList is one user entry of the UserListStarredRepos operation.
type UserStarredList struct {
	Login               string       `json:"login"`
	StarredRepositories StarredRepos `json:"starredRepositories"`
}

// UserListStarredRepos answers the UserListStarredRepos operation.
type UserListStarredRepos struct {
	Nodes []*UserStarredList `json:"nodes"`
}

// RepoDetail extends RepoBasic with the detail enrichment fields.
type RepoDetail struct {
	RepoBasic
	Description      string     `json:"description"`
	Watchers         TotalCount `json:"watchers"`
	ForkCount        int        `json:"forkCount"`
	Issues           TotalCount `json:"issues"`
	PullRequests     TotalCount `json:"pullRequests"`
	Releases         TotalCount `json:"releases"`
	RepositoryTopics struct {
		TotalCount int `json:"totalCount"`
		Nodes      []struct {
			Topic struct {
				Name string `json:"name"`
			} `json:"topic"`
		} `json:"nodes"`
	} `json:"repositoryTopics"`
	MentionableUsers TotalCount `json:"mentionableUsers"`
	AssignableUsers  TotalCount `json:"assignableUsers"`
}

// RepoListDetails answers the RepoListDetails operation.
type RepoListDetails struct {
	Nodes []*RepoDetail `json:"nodes"`
}
